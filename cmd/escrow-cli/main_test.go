package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"escrowmarket/cmd/internal/passphrase"
	"escrowmarket/crypto"
	"escrowmarket/gateway/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordedCall struct {
	method      string
	params      map[string]interface{}
	requireAuth bool
}

func newTestCLI(t *testing.T) (*cli, *bytes.Buffer, *bytes.Buffer, *[]recordedCall) {
	t.Helper()
	t.Setenv(secretEnv, testSecret)
	t.Setenv(keystoreEnv, "keystore-pass")
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	calls := &[]recordedCall{}
	c := &cli{
		endpoint: "http://example.invalid",
		stdout:   stdout,
		stderr:   stderr,
		secret:   passphrase.NewSource(secretEnv, "token signing secret"),
		keyPass:  passphrase.NewSource(keystoreEnv, "keystore passphrase"),
		now:      func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	c.call = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		rec := recordedCall{method: method, requireAuth: requireAuth}
		if params != nil {
			data, _ := json.Marshal(params)
			_ = json.Unmarshal(data, &rec.params)
		}
		*calls = append(*calls, rec)
		return json.RawMessage(`{"ok":true}`), nil, nil
	}
	return c, stdout, stderr, calls
}

func TestCommandsBuildRequests(t *testing.T) {
	seller := crypto.MarketAddress(crypto.DeriveAddress("cli-seller")).String()
	cases := []struct {
		name   string
		args   []string
		method string
		auth   bool
		check  func(map[string]interface{}) bool
	}{
		{"register", []string{"register", "--name", "lamp", "--price", "5e3"}, "escrow_registerItem", true, func(p map[string]interface{}) bool {
			return p["name"] == "lamp" && p["price"] == "5000"
		}},
		{"get", []string{"get", "--id", "3"}, "escrow_getItem", false, func(p map[string]interface{}) bool { return p["id"] == float64(3) }},
		{"list seller", []string{"list", "--seller", seller}, "escrow_getItemsBySeller", false, func(p map[string]interface{}) bool { return p["seller"] == seller }},
		{"buy", []string{"buy", "--id", "1", "--amount", "1_000"}, "escrow_buyItem", true, func(p map[string]interface{}) bool { return p["amount"] == "1000" }},
		{"confirm", []string{"confirm", "--id", "1"}, "escrow_confirmItem", true, nil},
		{"refund", []string{"refund", "--id", "1", "--reason", "broken"}, "escrow_requestRefund", true, func(p map[string]interface{}) bool { return p["reason"] == "broken" }},
		{"approve", []string{"approve", "--id", "1"}, "escrow_approveRefund", true, nil},
		{"refuse", []string{"refuse", "--id", "1", "--reason", "used"}, "escrow_refuseRefund", true, nil},
		{"resolve", []string{"resolve", "--id", "1", "--favor", "Buyer", "--reason", "evidence"}, "escrow_resolveDispute", true, func(p map[string]interface{}) bool { return p["favorBuyer"] == true }},
		{"rate", []string{"rate", "--id", "1", "--rating", "4"}, "escrow_rateTransaction", true, func(p map[string]interface{}) bool { return p["rating"] == float64(4) }},
		{"balance", []string{"balance", "--address", seller}, "bank_balance", false, nil},
		{"summary", []string{"summary"}, "escrow_summary", false, func(p map[string]interface{}) bool { return p == nil }},
		{"events", []string{"events", "--type", "escrow.item", "--item", "2", "--limit", "10"}, "escrow_events", false, func(p map[string]interface{}) bool {
			_, hasAfter := p["after"]
			return p["type"] == "escrow.item" && p["itemId"] == float64(2) && !hasAfter
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, stdout, stderr, calls := newTestCLI(t)
			if code := c.run(tc.args); code != 0 {
				t.Fatalf("exit code %d: %s", code, stderr.String())
			}
			if len(*calls) != 1 {
				t.Fatalf("expected one call, got %d", len(*calls))
			}
			got := (*calls)[0]
			if got.method != tc.method || got.requireAuth != tc.auth {
				t.Fatalf("unexpected call %+v", got)
			}
			if tc.check != nil && !tc.check(got.params) {
				t.Fatalf("unexpected params %v", got.params)
			}
			if strings.TrimSpace(stdout.String()) != `{"ok":true}` {
				t.Fatalf("unexpected output %q", stdout.String())
			}
		})
	}
}

func TestCommandsValidateFlags(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"get"}, "--id is required"},
		{[]string{"get", "--id", "0"}, "positive integer"},
		{[]string{"register", "--price", "5"}, "--name is required"},
		{[]string{"register", "--name", "x", "--price", "-1"}, "non-negative"},
		{[]string{"buy", "--id", "1", "--amount", "1e"}, "invalid exponent"},
		{[]string{"list"}, "one of --seller or --buyer"},
		{[]string{"list", "--seller", "bogus"}, "--seller"},
		{[]string{"refund", "--id", "1"}, "--reason is required"},
		{[]string{"resolve", "--id", "1", "--favor", "judge", "--reason", "x"}, "buyer or seller"},
		{[]string{"balance"}, "--address is required"},
		{[]string{"summary", "extra"}, "unexpected positional"},
		{[]string{"launch"}, "Unknown command"},
	}
	for _, tc := range cases {
		c, _, stderr, calls := newTestCLI(t)
		if code := c.run(tc.args); code == 0 {
			t.Fatalf("%v: expected failure", tc.args)
		}
		if len(*calls) != 0 {
			t.Fatalf("%v: no RPC call expected", tc.args)
		}
		if !strings.Contains(stderr.String(), tc.want) {
			t.Fatalf("%v: expected %q in %q", tc.args, tc.want, stderr.String())
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	c, _, _, _ := newTestCLI(t)
	rest, err := c.applyGlobalFlags([]string{"--rpc", "http://node:9000", "get", "--token=abc", "--id", "1"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.endpoint != "http://node:9000" || c.token != "abc" {
		t.Fatalf("globals not applied: %q %q", c.endpoint, c.token)
	}
	if strings.Join(rest, " ") != "get --id 1" {
		t.Fatalf("unexpected remaining args %v", rest)
	}
	if _, err := c.applyGlobalFlags([]string{"--rpc"}); err == nil {
		t.Fatalf("expected missing value error")
	}
}

func TestNormalizeAmount(t *testing.T) {
	cases := map[string]string{
		"0":     "0",
		"000":   "0",
		"0e18":  "0",
		"42":    "42",
		"007":   "7",
		"1e3":   "1000",
		"2_500": "2500",
		"15E2":  "1500",
	}
	for in, want := range cases {
		got, err := normalizeAmount("--amount", in)
		if err != nil || got != want {
			t.Fatalf("normalizeAmount(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "1.5", "abc", "1e-2", "e5"} {
		if _, err := normalizeAmount("--amount", bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestKeygenAndTokenFromKeyFile(t *testing.T) {
	c, stdout, stderr, _ := newTestCLI(t)
	keyPath := filepath.Join(t.TempDir(), "seller.key")
	if code := c.run([]string{"keygen", "--out", keyPath}); code != 0 {
		t.Fatalf("keygen failed: %s", stderr.String())
	}
	var generated map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &generated); err != nil {
		t.Fatalf("decode keygen output: %v", err)
	}
	if _, ok := generated["privateKey"]; ok {
		t.Fatalf("private key must not be printed when --out is used")
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if _, err := hex.DecodeString(string(raw)); err != nil {
		t.Fatalf("key file is not hex: %v", err)
	}

	stdout.Reset()
	c.now = time.Now
	if code := c.run([]string{"token", "--key", keyPath, "--ttl", "1h"}); code != 0 {
		t.Fatalf("token failed: %s", stderr.String())
	}
	verifier, err := auth.NewVerifier(auth.Config{HMACSecret: testSecret, Issuer: "escrowd", Audience: "escrow-market"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	subject, err := verifier.Verify(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if crypto.MarketAddress(subject).String() != generated["address"] {
		t.Fatalf("token subject %x does not match generated address %s", subject, generated["address"])
	}
}

func TestTokenRejectsConflictingSubjects(t *testing.T) {
	c, _, stderr, _ := newTestCLI(t)
	subject := crypto.MarketAddress(crypto.DeriveAddress("cli-seller")).String()
	if code := c.run([]string{"token", "--subject", subject, "--key", "x"}); code == 0 {
		t.Fatalf("expected conflicting flags to fail")
	}
	if !strings.Contains(stderr.String(), "mutually exclusive") {
		t.Fatalf("unexpected error %q", stderr.String())
	}
}

func TestCallRPCOverHTTP(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		if gotBody["method"] == "escrow_getItem" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32022,"message":"item not found","data":"item 9"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"id":1}}`))
	}))
	defer srv.Close()

	c, stdout, stderr, _ := newTestCLI(t)
	c.call = c.callRPC
	c.endpoint = srv.URL
	c.token = "signed"

	if code := c.run([]string{"confirm", "--id", "1"}); code != 0 {
		t.Fatalf("confirm failed: %s", stderr.String())
	}
	if gotAuth != "Bearer signed" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	params, ok := gotBody["params"].([]interface{})
	if !ok || len(params) != 1 {
		t.Fatalf("expected a single parameter object, got %v", gotBody["params"])
	}
	if strings.TrimSpace(stdout.String()) != `{"id":1}` {
		t.Fatalf("unexpected output %q", stdout.String())
	}

	if code := c.run([]string{"get", "--id", "9"}); code == 0 {
		t.Fatalf("expected RPC error to fail")
	}
	if !strings.Contains(stderr.String(), "RPC error -32022: item not found (item 9)") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	if gotAuth != "" {
		t.Fatalf("read-only call must not send a token")
	}
}

func TestCallRPCRequiresToken(t *testing.T) {
	c, _, stderr, _ := newTestCLI(t)
	c.call = c.callRPC
	if code := c.run([]string{"approve", "--id", "1"}); code == 0 {
		t.Fatalf("expected missing token to fail")
	}
	if !strings.Contains(stderr.String(), tokenEnv) {
		t.Fatalf("expected token hint, got %q", stderr.String())
	}
}
