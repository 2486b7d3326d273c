package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"escrowmarket/crypto"
	"escrowmarket/gateway/auth"
)

func (c *cli) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) parse(fs *flag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(c.stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func (c *cli) fail(msg string) int {
	fmt.Fprintf(c.stderr, "Error: %s\n", msg)
	return 1
}

// invoke performs the call and prints the result.
func (c *cli) invoke(method string, params interface{}, requireAuth bool) int {
	result, rpcErr, err := c.call(method, params, requireAuth)
	if err != nil {
		fmt.Fprintf(c.stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(c.stderr, "RPC error %d: %s", rpcErr.Code, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			var detail string
			if json.Unmarshal(rpcErr.Data, &detail) == nil && detail != "" {
				fmt.Fprintf(c.stderr, " (%s)", detail)
			}
		}
		fmt.Fprintln(c.stderr)
		return 1
	}
	if len(result) == 0 {
		fmt.Fprintln(c.stdout, "null")
		return 0
	}
	fmt.Fprintln(c.stdout, strings.TrimSpace(string(result)))
	return 0
}

func parseID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("--id must be a positive integer")
	}
	return id, nil
}

func validateAddress(flagName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", flagName)
	}
	if _, err := crypto.ParsePrincipal(value); err != nil {
		return fmt.Errorf("%s: %v", flagName, err)
	}
	return nil
}

// normalizeAmount accepts plain integers and the 100e18 shorthand.
func normalizeAmount(flagName, value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	base := trimmed
	exponent := 0
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		exp, err := strconv.Atoi(trimmed[idx+1:])
		if err != nil || exp < 0 || exp > 77 {
			return "", fmt.Errorf("%s has an invalid exponent", flagName)
		}
		exponent = exp
	}
	if base == "" || strings.Trim(base, "0123456789") != "" {
		return "", fmt.Errorf("%s must be a non-negative integer", flagName)
	}
	digits := strings.TrimLeft(base, "0")
	if digits == "" {
		return "0", nil
	}
	return digits + strings.Repeat("0", exponent), nil
}

func (c *cli) runKeygen(args []string) int {
	fs := c.newFlagSet("keygen")
	var out, keystorePath string
	fs.StringVar(&out, "out", "", "optional file to write the hex private key to")
	fs.StringVar(&keystorePath, "keystore", "", "optional encrypted keystore file to write the key to")
	if !c.parse(fs, args) {
		return 1
	}
	if out != "" && keystorePath != "" {
		return c.fail("--out and --keystore are mutually exclusive")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return c.fail(err.Error())
	}
	payload := map[string]string{"address": key.PubKey().Address().String()}
	switch {
	case out != "":
		if err := os.WriteFile(out, []byte(hex.EncodeToString(key.Bytes())), 0o600); err != nil {
			return c.fail(err.Error())
		}
	case keystorePath != "":
		pass, err := c.keyPass.Get()
		if err != nil {
			return c.fail(err.Error())
		}
		if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
			return c.fail(err.Error())
		}
		payload["keystore"] = keystorePath
	default:
		payload["privateKey"] = hex.EncodeToString(key.Bytes())
	}
	data, _ := json.Marshal(payload)
	fmt.Fprintln(c.stdout, string(data))
	return 0
}

func (c *cli) runToken(args []string) int {
	fs := c.newFlagSet("token")
	var (
		subject      string
		keyFile      string
		keystorePath string
		ttl          time.Duration
		issuer       string
		audience     string
	)
	fs.StringVar(&subject, "subject", "", "marketplace address the token identifies")
	fs.StringVar(&keyFile, "key", "", "hex private key file to derive the subject from")
	fs.StringVar(&keystorePath, "keystore", "", "encrypted keystore file to derive the subject from")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	fs.StringVar(&issuer, "issuer", "escrowd", "token issuer")
	fs.StringVar(&audience, "audience", "escrow-market", "token audience")
	if !c.parse(fs, args) {
		return 1
	}
	sources := 0
	for _, v := range []string{subject, keyFile, keystorePath} {
		if v != "" {
			sources++
		}
	}
	if sources > 1 {
		return c.fail("--subject, --key and --keystore are mutually exclusive")
	}
	switch {
	case keyFile != "":
		derived, err := addressFromKeyFile(keyFile)
		if err != nil {
			return c.fail(err.Error())
		}
		subject = derived
	case keystorePath != "":
		pass, err := c.keyPass.Get()
		if err != nil {
			return c.fail(err.Error())
		}
		key, err := crypto.LoadFromKeystore(keystorePath, pass)
		if err != nil {
			return c.fail(fmt.Sprintf("unlock keystore: %v", err))
		}
		subject = key.PubKey().Address().String()
	}
	if err := validateAddress("--subject", subject); err != nil {
		return c.fail(err.Error())
	}
	secret, err := c.secret.Get()
	if err != nil {
		return c.fail(err.Error())
	}
	token, err := auth.Issue(auth.Config{HMACSecret: secret, Issuer: issuer, Audience: audience}, subject, ttl, c.now())
	if err != nil {
		return c.fail(err.Error())
	}
	fmt.Fprintln(c.stdout, token)
	return 0
}

func (c *cli) runRegister(args []string) int {
	fs := c.newFlagSet("register")
	var name, description, price string
	fs.StringVar(&name, "name", "", "item name")
	fs.StringVar(&description, "description", "", "item description")
	fs.StringVar(&price, "price", "", "asking price")
	if !c.parse(fs, args) {
		return 1
	}
	if strings.TrimSpace(name) == "" {
		return c.fail("--name is required")
	}
	amount, err := normalizeAmount("--price", price)
	if err != nil {
		return c.fail(err.Error())
	}
	return c.invoke("escrow_registerItem", map[string]interface{}{
		"name":        name,
		"description": description,
		"price":       amount,
	}, true)
}

func (c *cli) runGet(args []string) int {
	fs := c.newFlagSet("get")
	var idStr string
	fs.StringVar(&idStr, "id", "", "item id")
	if !c.parse(fs, args) {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return c.fail(err.Error())
	}
	return c.invoke("escrow_getItem", map[string]interface{}{"id": id}, false)
}

func (c *cli) runList(args []string) int {
	fs := c.newFlagSet("list")
	var seller, buyer string
	fs.StringVar(&seller, "seller", "", "seller address")
	fs.StringVar(&buyer, "buyer", "", "buyer address")
	if !c.parse(fs, args) {
		return 1
	}
	switch {
	case seller != "" && buyer != "":
		return c.fail("--seller and --buyer are mutually exclusive")
	case seller != "":
		if err := validateAddress("--seller", seller); err != nil {
			return c.fail(err.Error())
		}
		return c.invoke("escrow_getItemsBySeller", map[string]interface{}{"seller": seller}, false)
	case buyer != "":
		if err := validateAddress("--buyer", buyer); err != nil {
			return c.fail(err.Error())
		}
		return c.invoke("escrow_getItemsByBuyer", map[string]interface{}{"buyer": buyer}, false)
	default:
		return c.fail("one of --seller or --buyer is required")
	}
}

func (c *cli) runBuy(args []string) int {
	fs := c.newFlagSet("buy")
	var idStr, amountStr string
	fs.StringVar(&idStr, "id", "", "item id")
	fs.StringVar(&amountStr, "amount", "", "amount paid into escrow")
	if !c.parse(fs, args) {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return c.fail(err.Error())
	}
	amount, err := normalizeAmount("--amount", amountStr)
	if err != nil {
		return c.fail(err.Error())
	}
	return c.invoke("escrow_buyItem", map[string]interface{}{"id": id, "amount": amount}, true)
}

func (c *cli) runIDOnly(name, method string, args []string) int {
	fs := c.newFlagSet(name)
	var idStr string
	fs.StringVar(&idStr, "id", "", "item id")
	if !c.parse(fs, args) {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return c.fail(err.Error())
	}
	return c.invoke(method, map[string]interface{}{"id": id}, true)
}

func (c *cli) runWithReason(name, method string, args []string) int {
	fs := c.newFlagSet(name)
	var idStr, reason string
	fs.StringVar(&idStr, "id", "", "item id")
	fs.StringVar(&reason, "reason", "", "reason recorded on the item")
	if !c.parse(fs, args) {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return c.fail(err.Error())
	}
	if strings.TrimSpace(reason) == "" {
		return c.fail("--reason is required")
	}
	return c.invoke(method, map[string]interface{}{"id": id, "reason": reason}, true)
}

func (c *cli) runConfirm(args []string) int {
	return c.runIDOnly("confirm", "escrow_confirmItem", args)
}

func (c *cli) runApprove(args []string) int {
	return c.runIDOnly("approve", "escrow_approveRefund", args)
}

func (c *cli) runRefund(args []string) int {
	return c.runWithReason("refund", "escrow_requestRefund", args)
}

func (c *cli) runRefuse(args []string) int {
	return c.runWithReason("refuse", "escrow_refuseRefund", args)
}

func (c *cli) runResolve(args []string) int {
	fs := c.newFlagSet("resolve")
	var idStr, favor, reason string
	fs.StringVar(&idStr, "id", "", "item id")
	fs.StringVar(&favor, "favor", "", "party receiving the escrow (buyer or seller)")
	fs.StringVar(&reason, "reason", "", "resolution reason")
	if !c.parse(fs, args) {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return c.fail(err.Error())
	}
	var favorBuyer bool
	switch strings.ToLower(strings.TrimSpace(favor)) {
	case "buyer":
		favorBuyer = true
	case "seller":
	default:
		return c.fail("--favor must be buyer or seller")
	}
	if strings.TrimSpace(reason) == "" {
		return c.fail("--reason is required")
	}
	return c.invoke("escrow_resolveDispute", map[string]interface{}{
		"id":         id,
		"favorBuyer": favorBuyer,
		"reason":     reason,
	}, true)
}

func (c *cli) runRate(args []string) int {
	fs := c.newFlagSet("rate")
	var idStr string
	var rating int
	fs.StringVar(&idStr, "id", "", "item id")
	fs.IntVar(&rating, "rating", 0, "rating from 1 to 5")
	if !c.parse(fs, args) {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return c.fail(err.Error())
	}
	return c.invoke("escrow_rateTransaction", map[string]interface{}{"id": id, "rating": rating}, true)
}

func (c *cli) runBalance(args []string) int {
	fs := c.newFlagSet("balance")
	var address string
	fs.StringVar(&address, "address", "", "account address")
	if !c.parse(fs, args) {
		return 1
	}
	if err := validateAddress("--address", address); err != nil {
		return c.fail(err.Error())
	}
	return c.invoke("bank_balance", map[string]interface{}{"address": address}, false)
}

func (c *cli) runSummary(args []string) int {
	fs := c.newFlagSet("summary")
	if !c.parse(fs, args) {
		return 1
	}
	return c.invoke("escrow_summary", nil, false)
}

func (c *cli) runEvents(args []string) int {
	fs := c.newFlagSet("events")
	var (
		eventType string
		itemID    uint64
		after     int64
		limit     int
	)
	fs.StringVar(&eventType, "type", "", "event type filter")
	fs.Uint64Var(&itemID, "item", 0, "item id filter")
	fs.Int64Var(&after, "after", 0, "only events after this sequence")
	fs.IntVar(&limit, "limit", 0, "maximum number of events")
	if !c.parse(fs, args) {
		return 1
	}
	params := map[string]interface{}{}
	if eventType != "" {
		params["type"] = eventType
	}
	if itemID > 0 {
		params["itemId"] = itemID
	}
	if after > 0 {
		params["after"] = after
	}
	if limit > 0 {
		params["limit"] = limit
	}
	return c.invoke("escrow_events", params, false)
}
