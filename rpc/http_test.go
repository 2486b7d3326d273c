package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"escrowmarket/gateway/middleware"
)

func TestHandleRejectsMalformedRequests(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   int
	}{
		{name: "empty", body: "  ", wantStatus: http.StatusBadRequest, wantCode: codeInvalidRequest},
		{name: "invalid_json", body: "{", wantStatus: http.StatusBadRequest, wantCode: codeParseError},
		{name: "bad_version", body: `{"jsonrpc":"1.0","id":1,"method":"escrow_summary"}`, wantStatus: http.StatusBadRequest, wantCode: codeInvalidRequest},
		{name: "missing_method", body: `{"jsonrpc":"2.0","id":1}`, wantStatus: http.StatusBadRequest, wantCode: codeInvalidRequest},
		{name: "unknown_method", body: `{"jsonrpc":"2.0","id":1,"method":"escrow_teleport"}`, wantStatus: http.StatusNotFound, wantCode: codeMethodNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := env.rawCall([]byte(tc.body), "")
			if recorder.Code != tc.wantStatus {
				t.Fatalf("expected status %d got %d", tc.wantStatus, recorder.Code)
			}
			_, rpcErr := decodeRPCResponse(t, recorder)
			if rpcErr == nil || rpcErr.Code != tc.wantCode {
				t.Fatalf("expected code %d got %+v", tc.wantCode, rpcErr)
			}
		})
	}
}

func TestHandleRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"escrow_summary","params":["` + strings.Repeat("a", maxRequestBytes) + `"]}`)
	recorder := env.rawCall(body, "")
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", recorder.Code)
	}
}

func TestMutatingMethodsRequireToken(t *testing.T) {
	env := newTestEnv(t)
	recorder, _, rpcErr := env.call(nil, "escrow_registerItem", map[string]interface{}{
		"name":  "Lamp",
		"price": "10",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", recorder.Code)
	}
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", rpcErr)
	}
	count, err := env.ledger.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if count.Items != 0 {
		t.Fatalf("rejected call must not register items")
	}
}

func TestInvalidTokenRejectedBeforeDispatch(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"escrow_summary","params":[]}`)
	recorder := env.rawCall(body, "not-a-jwt")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", recorder.Code)
	}
}

func TestParamsValidation(t *testing.T) {
	env := newTestEnv(t)
	seller := addrPtr(testSeller)
	cases := []struct {
		name   string
		method string
		params interface{}
	}{
		{name: "unknown_field", method: "escrow_getItem", params: map[string]interface{}{"id": 1, "extra": true}},
		{name: "bad_price", method: "escrow_registerItem", params: map[string]interface{}{"name": "Lamp", "price": "1.5"}},
		{name: "negative_price", method: "escrow_registerItem", params: map[string]interface{}{"name": "Lamp", "price": "-1"}},
		{name: "missing_amount", method: "escrow_buyItem", params: map[string]interface{}{"id": 1}},
		{name: "bad_seller", method: "escrow_getItemsBySeller", params: map[string]interface{}{"seller": "mkt1invalid"}},
		{name: "bad_address", method: "bank_balance", params: map[string]interface{}{"address": "not-an-address"}},
		{name: "events_limit", method: "escrow_events", params: map[string]interface{}{"limit": maxEventsLimit + 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder, _, rpcErr := env.call(seller, tc.method, tc.params)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", recorder.Code)
			}
			if rpcErr == nil || rpcErr.Code != codeInvalidParams {
				t.Fatalf("expected invalid params, got %+v", rpcErr)
			}
		})
	}

	payload := []byte(`{"jsonrpc":"2.0","id":7,"method":"escrow_getItem","params":[{"id":1},{"id":2}]}`)
	recorder := env.rawCall(payload, "")
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("expected invalid params for two objects, got %+v", rpcErr)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", recorder.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["initialized"] != true {
		t.Fatalf("expected initialized ledger, got %v", health)
	}

	env.call(nil, "escrow_summary", nil)

	recorder = httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", recorder.Code)
	}
	body := recorder.Body.String()
	for _, name := range []string{"escrow_rpc_requests_total", "escrowd_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"escrow_summary"}`)))
	req.Header.Set(middleware.HeaderRequestID, "trace-me")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	if got := recorder.Header().Get(middleware.HeaderRequestID); got != "trace-me" {
		t.Fatalf("expected request id echo, got %q", got)
	}
}

func TestRateLimitedCallsRejected(t *testing.T) {
	env := newTestEnvWithConfig(t, Config{RateLimit: middleware.RateLimit{RatePerSecond: 0.001, Burst: 1}})
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"escrow_summary"}`)
	if recorder := env.rawCall(body, ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected first call to pass, got %d", recorder.Code)
	}
	if recorder := env.rawCall(body, ""); recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected throttle, got %d", recorder.Code)
	}
}
