package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/k1networth/orderflow/internal/shared/requestid"
)

// AccessLog writes one http_request record per request. Server errors are
// logged at error level, client errors at warn and health checks at debug.
func AccessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex, r := observe(r)
			start := time.Now()

			next.ServeHTTP(wrap(w, ex), r)

			log.LogAttrs(r.Context(), accessLevel(r.URL.Path, ex.status), "http_request",
				slog.String("request_id", requestid.Get(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", ex.route),
				slog.Int("status", ex.status),
				slog.Int64("bytes", ex.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func accessLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case isHealthPath(path):
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// RequestID accepts a well-formed X-Request-Id from the client or issues a
// new one, echoes it on the response and stores it in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := requestid.Resolve(r.Header.Get(requestid.Header))
		w.Header().Set(requestid.Header, rid)
		next.ServeHTTP(w, r.WithContext(requestid.With(r.Context(), rid)))
	})
}

func GetRequestID(ctx context.Context) string {
	return requestid.Get(ctx)
}
