package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"escrowmarket/cmd/internal/passphrase"
)

const (
	endpointEnv = "ESCROW_RPC_URL"
	tokenEnv    = "ESCROW_TOKEN"
	secretEnv   = "ESCROW_JWT_SECRET"
	keystoreEnv = "ESCROW_KEYSTORE_PASSPHRASE"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcCaller func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error)

// cli carries the global options shared by every subcommand.
type cli struct {
	endpoint string
	token    string
	stdout   io.Writer
	stderr   io.Writer
	call     rpcCaller
	secret   *passphrase.Source
	keyPass  *passphrase.Source
	now      func() time.Time
}

func main() {
	// A local .env may supply ESCROW_* settings; real environment values win.
	_ = godotenv.Load()
	c := &cli{
		endpoint: defaultRPCEndpoint(),
		token:    strings.TrimSpace(os.Getenv(tokenEnv)),
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		secret:   passphrase.NewSource(secretEnv, "token signing secret"),
		keyPass:  passphrase.NewSource(keystoreEnv, "keystore passphrase"),
		now:      time.Now,
	}
	c.call = c.callRPC
	os.Exit(c.run(os.Args[1:]))
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(endpointEnv)); v != "" {
		return v
	}
	return "http://127.0.0.1:8545"
}

func (c *cli) run(args []string) int {
	args, err := c.applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
	commands := map[string]func([]string) int{
		"keygen":   c.runKeygen,
		"token":    c.runToken,
		"register": c.runRegister,
		"get":      c.runGet,
		"list":     c.runList,
		"buy":      c.runBuy,
		"confirm":  c.runConfirm,
		"refund":   c.runRefund,
		"approve":  c.runApprove,
		"refuse":   c.runRefuse,
		"resolve":  c.runResolve,
		"rate":     c.runRate,
		"balance":  c.runBalance,
		"summary":  c.runSummary,
		"events":   c.runEvents,
	}
	handler, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(c.stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
	return handler(args[1:])
}

func (c *cli) applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc" || arg == "--token":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", arg)
			}
			c.setGlobal(arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--rpc="):
			c.setGlobal("--rpc", strings.TrimPrefix(arg, "--rpc="))
		case strings.HasPrefix(arg, "--token="):
			c.setGlobal("--token", strings.TrimPrefix(arg, "--token="))
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func (c *cli) setGlobal(flag, value string) {
	switch flag {
	case "--rpc":
		c.endpoint = strings.TrimSpace(value)
	case "--token":
		c.token = strings.TrimSpace(value)
	}
}

func (c *cli) callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		if c.token == "" {
			return nil, nil, fmt.Errorf("this command requires a bearer token; pass --token or set %s", tokenEnv)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("POST %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read RPC response: %w", err)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("unexpected %s response: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--rpc URL] [--token JWT] <command> [flags]

Commands:
  keygen    Generate a key pair and print its marketplace address
  token     Mint a bearer token for an address (secret from ESCROW_JWT_SECRET or prompt)
  register  List a new item for sale
  get       Show an item
  list      List item ids by --seller or --buyer
  buy       Buy an item, paying --amount into escrow
  confirm   Confirm receipt and release escrow to the seller
  refund    Request a refund with a reason
  approve   Approve a refund request (seller)
  refuse    Refuse a refund request with a reason (seller)
  resolve   Resolve a dispute for the buyer or the seller (admin)
  rate      Rate a finished transaction from 1 to 5 (buyer)
  balance   Show an account balance
  summary   Show ledger totals
  events    Query the event journal
`)
}
