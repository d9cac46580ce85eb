package correlation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the correlation id. Inbound values are
// honored; responses echo the effective id.
const Header = "X-Correlation-ID"

type ctxKey struct{}

// WithID returns a context carrying the given correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id carried by ctx, or "".
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns a context that carries a correlation id, generating one
// when absent, along with the effective id.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithID(ctx, id), id
}

// Logger returns base enriched with the context's correlation id attribute,
// or base unchanged when none is present.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id := FromContext(ctx); id != "" {
		return base.With("correlation_id", id)
	}
	return base
}

// Middleware honors an inbound X-Correlation-ID header, generates one when
// missing, stores it on the request context, and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		ctx := r.Context()
		if id == "" {
			ctx, id = Ensure(ctx)
		} else {
			ctx = WithID(ctx, id)
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
