package httpx

import (
	"context"
	"net/http"
	"strings"
)

// exchange is the per-request state shared by the observing middlewares.
// The innermost layer fills in route once the mux has matched a pattern.
type exchange struct {
	route  string
	status int
	bytes  int64
}

type ctxKeyExchange struct{}

// observe returns the exchange of r, creating it when r has none yet.
func observe(r *http.Request) (*exchange, *http.Request) {
	if ex, ok := r.Context().Value(ctxKeyExchange{}).(*exchange); ok {
		return ex, r
	}
	ex := &exchange{status: http.StatusOK}
	return ex, r.WithContext(context.WithValue(r.Context(), ctxKeyExchange{}, ex))
}

// capturePattern runs mux and records the pattern it matched. ServeMux sets
// Pattern on the request it was given, so it is read after the call.
func capturePattern(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		if ex, ok := r.Context().Value(ctxKeyExchange{}).(*exchange); ok {
			ex.route = routeLabel(r.Pattern)
		}
	})
}

// routeLabel drops the method from a mux pattern. Unmatched requests share
// one label so arbitrary paths cannot grow the metric series.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

type recorder struct {
	http.ResponseWriter
	ex          *exchange
	wroteHeader bool
}

func (w *recorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.ex.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.ex.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *recorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func wrap(w http.ResponseWriter, ex *exchange) http.ResponseWriter {
	if rec, ok := w.(*recorder); ok && rec.ex == ex {
		return w
	}
	return &recorder{ResponseWriter: w, ex: ex}
}

func isHealthPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}
