package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// requestIDHeader carries the request ID in both directions. X-Request-ID is
// what proxies and log aggregators already understand, so callers can hand us
// their own correlation ID and find it again in questd's audit of a failing
// transition.
const requestIDHeader = "X-Request-ID"

// requestIDKey is unexported so only this package can construct the key.
type requestIDKey struct{}

// RequestIDFromContext returns the request ID stored by the RequestID
// middleware, or "" when the request carried none.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID returns a new context with the given request ID stored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID assigns every request a correlation ID: the caller's X-Request-ID
// when present, a fresh UUID v4 otherwise. The ID is stored in the context,
// echoed back on the response header, and baked into a request-scoped slog
// logger (LoggerFromContext) so handler logs and the request-completed line
// share one ID.
//
// Mount it after CORS and the security headers but before auth and the
// challenge handlers, so even rejected requests get a correlatable ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := ContextWithRequestID(r.Context(), id)
		ctx = contextWithLogger(ctx, slog.Default().With("request_id", id))

		// Echo the ID so clients can correlate.
		w.Header().Set(requestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggerKey is the context key for the request-scoped slog logger.
type loggerKey struct{}

func contextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the request-scoped slog.Logger, falling back to
// slog.Default() outside a request.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
