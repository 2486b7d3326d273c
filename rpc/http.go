package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowmarket/core"
	"escrowmarket/gateway/auth"
	"escrowmarket/gateway/middleware"
	"escrowmarket/observability"
	"escrowmarket/observability/journal"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeUnavailable    = -32003
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Config wires the transport concerns around the ledger.
type Config struct {
	ServiceName string
	Auth        auth.Config
	RateLimit   middleware.RateLimit
	CORSOrigins []string
	LogRequests bool
	// Registerer and Gatherer hold the HTTP collectors. A private registry
	// is created when Registerer is nil.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type handlerFunc func(r *http.Request, req *RPCRequest) (interface{}, error)

type method struct {
	handler     handlerFunc
	requireAuth bool
}

// Server exposes the ledger over JSON-RPC and streams committed events over a
// websocket.
type Server struct {
	ledger  *core.Ledger
	journal *journal.Journal
	hub     *Hub
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	tracer  trace.Tracer
	metrics http.Handler
	cors    []string
	methods map[string]method
}

// NewServer builds the server and registers its event hub as a ledger sink.
// The journal is optional; without it escrow_events reports unavailable.
func NewServer(ledger *core.Ledger, j *journal.Journal, cfg Config, logger *slog.Logger) (*Server, error) {
	if ledger == nil {
		return nil, fmt.Errorf("rpc: ledger required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if cfg.Registerer == nil {
		registry := prometheus.NewRegistry()
		cfg.Registerer = registry
		cfg.Gatherer = registry
	}
	obs, err := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.ServiceName,
		LogRequests: cfg.LogRequests,
		Registerer:  cfg.Registerer,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("rpc: register http metrics: %w", err)
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	limiter.OnThrottle(observability.RPC().RecordThrottle)

	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if cfg.Gatherer != nil && cfg.Gatherer != prometheus.DefaultGatherer {
		gatherers = append(gatherers, cfg.Gatherer)
	}

	s := &Server{
		ledger:  ledger,
		journal: j,
		hub:     NewHub(logger),
		logger:  logger,
		auth:    middleware.NewAuthenticator(verifier, logger),
		limiter: limiter,
		obs:     obs,
		tracer:  obs.Tracer(),
		metrics: promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}),
		cors:    cfg.CORSOrigins,
	}
	s.methods = s.routes()
	ledger.AddSink(s.hub)
	return s, nil
}

// Hub returns the websocket fan-out.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cors}))
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics)
	r.Get("/ws/events", s.hub.ServeHTTP)
	r.With(
		s.obs.Middleware("rpc"),
		s.auth.Middleware(),
		s.limiter.Middleware(),
	).Post("/", s.handle)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	initialized, err := s.ledger.Initialized()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "error", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "initialized": initialized})
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	req.Method = strings.TrimSpace(req.Method)
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	m, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	s.dispatch(w, r, req, m)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest, m method) {
	start := time.Now()
	ctx, span := s.tracer.Start(r.Context(), "rpc."+req.Method, trace.WithAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", req.Method),
	))
	defer span.End()
	r = r.WithContext(ctx)

	kind := ""
	defer func() {
		observability.RPC().Observe(req.Method, kind, time.Since(start))
	}()

	caller, authenticated := middleware.Principal(ctx)
	if m.requireAuth && !authenticated {
		kind = "Unauthorized"
		span.SetStatus(codes.Error, kind)
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", "bearer token required")
		return
	}

	result, err := m.handler(r, req)
	if err != nil {
		kind = s.writeMethodError(w, req, err)
		span.SetAttributes(attribute.String("rpc.error_kind", kind))
		span.SetStatus(codes.Error, kind)
		level := slog.LevelInfo
		if kind == "Internal" {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("method", req.Method),
			slog.String("kind", kind),
			slog.String("requestId", middleware.RequestID(ctx)),
			slog.String("error", err.Error()),
		}
		if authenticated {
			attrs = append(attrs, slog.String("caller", formatAddress(caller)))
		}
		s.logger.LogAttrs(ctx, level, "rpc call failed", attrs...)
		return
	}
	writeResult(w, req.ID, result)
}

// paramError marks malformed parameters detected before the ledger is
// consulted.
type paramError struct {
	msg string
}

func (e *paramError) Error() string { return e.msg }

func invalidParams(format string, args ...interface{}) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}

var errJournalUnavailable = errors.New("event journal not configured")

// writeMethodError renders err and returns its kind label.
func (s *Server) writeMethodError(w http.ResponseWriter, req *RPCRequest, err error) string {
	var perr *paramError
	switch {
	case errors.As(err, &perr):
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", perr.msg)
		return "InvalidParams"
	case errors.Is(err, errJournalUnavailable):
		writeError(w, http.StatusServiceUnavailable, req.ID, codeUnavailable, "unavailable", err.Error())
		return "Unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, req.ID, codeUnavailable, "unavailable", err.Error())
		return "Unavailable"
	}
	return writeEscrowError(w, req.ID, err)
}

// decodeParams unmarshals the single parameter object into dst. Unknown
// fields are rejected.
func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return invalidParams("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}
