package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"escrowmarket/core"
	"escrowmarket/crypto"
	"escrowmarket/gateway/auth"
	"escrowmarket/observability/journal"
	"escrowmarket/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	testSeller = crypto.DeriveAddress("rpc-seller")
	testBuyer  = crypto.DeriveAddress("rpc-buyer")
	testAdmin  = crypto.DeriveAddress("rpc-admin")
	testOther  = crypto.DeriveAddress("rpc-other")
)

type testEnv struct {
	t       *testing.T
	ledger  *core.Ledger
	journal *journal.Journal
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, Config{})
}

func newTestEnvWithConfig(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	j, err := journal.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	ledger, err := core.NewLedger(db,
		core.WithEmitter(j),
		core.WithNowFunc(func() int64 { return 1_700_000_000 }))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := ledger.Init(testAdmin); err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	for _, addr := range [][20]byte{testBuyer, testOther} {
		if err := ledger.Credit(addr, big.NewInt(1_000)); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}

	if cfg.Auth.HMACSecret == "" {
		cfg.Auth = auth.Config{HMACSecret: testSecret, Issuer: "escrowd-tests"}
	}
	srv, err := NewServer(ledger, j, cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{t: t, ledger: ledger, journal: j, server: srv, handler: srv.Handler()}
}

func (e *testEnv) token(addr [20]byte) string {
	e.t.Helper()
	token, err := auth.Issue(auth.Config{HMACSecret: testSecret, Issuer: "escrowd-tests"}, formatAddress(addr), time.Hour, time.Now())
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) rawCall(body []byte, bearer string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, req)
	return recorder
}

// call invokes method as caller; a nil caller sends no token.
func (e *testEnv) call(caller *[20]byte, method string, params interface{}) (*httptest.ResponseRecorder, json.RawMessage, *RPCError) {
	e.t.Helper()
	payload := map[string]interface{}{"jsonrpc": jsonRPCVersion, "id": 1, "method": method}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.t.Fatalf("marshal request: %v", err)
	}
	bearer := ""
	if caller != nil {
		bearer = e.token(*caller)
	}
	recorder := e.rawCall(body, bearer)
	result, rpcErr := decodeRPCResponse(e.t, recorder)
	return recorder, result, rpcErr
}

// mustCall fails the test on any RPC error and decodes the result into out.
func (e *testEnv) mustCall(caller *[20]byte, method string, params interface{}, out interface{}) {
	e.t.Helper()
	_, result, rpcErr := e.call(caller, method, params)
	if rpcErr != nil {
		e.t.Fatalf("%s: unexpected error %d %s (%v)", method, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	if out != nil {
		if err := json.Unmarshal(result, out); err != nil {
			e.t.Fatalf("%s: decode result: %v", method, err)
		}
	}
}

func decodeRPCResponse(t *testing.T, recorder *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return resp.Result, resp.Error
}

func addrPtr(addr [20]byte) *[20]byte {
	return &addr
}
