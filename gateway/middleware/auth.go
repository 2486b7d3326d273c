package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"escrowmarket/gateway/auth"
	"escrowmarket/observability/logging"
)

type contextKey string

const (
	ContextKeyPrincipal contextKey = "escrow.principal"
	ContextKeyRequestID contextKey = "escrow.request_id"
)

// Authenticator resolves bearer tokens into principals. Requests without a
// token pass through anonymously so read-only methods remain public; a
// presented token that fails verification is rejected outright.
type Authenticator struct {
	verifier *auth.Verifier
	logger   *slog.Logger
}

func NewAuthenticator(verifier *auth.Verifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, logger: logger}
}

func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || a.verifier == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := auth.ExtractBearer(header)
			if token == "" {
				http.Error(w, "malformed authorization header", http.StatusUnauthorized)
				return
			}
			principal, err := a.verifier.Verify(token)
			if err != nil {
				a.logger.Warn("auth: token rejected",
					slog.String("requestId", RequestID(r.Context())),
					slog.String("authorization", logging.MaskAuthorization(header)),
					slog.String("error", err.Error()))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Principal returns the authenticated caller, if any.
func Principal(ctx context.Context) ([20]byte, bool) {
	if ctx == nil {
		return [20]byte{}, false
	}
	principal, ok := ctx.Value(ContextKeyPrincipal).([20]byte)
	return principal, ok
}

// WithPrincipal attaches a principal to ctx.
func WithPrincipal(ctx context.Context, principal [20]byte) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, principal)
}
