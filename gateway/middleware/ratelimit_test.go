package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RatePerSecond: 1, Burst: 1}, nil)
	fixed := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return fixed }
	var throttled []string
	limiter.OnThrottle(func(reason string) { throttled = append(throttled, reason) })

	handler := limiter.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if len(throttled) != 1 || throttled[0] != "rate_limit" {
		t.Fatalf("unexpected throttle callbacks %v", throttled)
	}

	fixed = fixed.Add(2 * time.Second)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected bucket to refill, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RatePerSecond: 1, Burst: 1}, nil)
	handler := limiter.Middleware()(okHandler())

	reqA := httptest.NewRequest(http.MethodPost, "/", nil)
	reqA.Header.Set("X-Real-IP", "10.0.0.1")
	reqB := httptest.NewRequest(http.MethodPost, "/", nil)
	reqB.Header.Set("X-Real-IP", "10.0.0.2")
	for _, req := range []*http.Request{reqA, reqB} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected request from %s to succeed, got %d", req.Header.Get("X-Real-IP"), res.Code)
		}
	}

	authed := reqA.WithContext(WithPrincipal(reqA.Context(), [20]byte{1}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, authed)
	if res.Code != http.StatusOK {
		t.Fatalf("expected principal bucket to be separate from address bucket, got %d", res.Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{}, nil)
	handler := limiter.Middleware()(okHandler())
	for i := 0; i < 10; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected success with limiter disabled, got %d", i, res.Code)
		}
	}
}

func TestClientIDForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "192.0.2.7, 10.0.0.1")
	if got := clientID(req); got != "192.0.2.7" {
		t.Fatalf("unexpected client id %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5555"
	if got := clientID(req); got != "198.51.100.4" {
		t.Fatalf("unexpected client id %q", got)
	}
}
