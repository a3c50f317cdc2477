package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mounter adds its routes to a mux.
type Mounter interface {
	Mount(mux *http.ServeMux)
}

type Router struct {
	Log      *slog.Logger
	Metrics  *Metrics
	Gatherer prometheus.Gatherer
	// Ready backs /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

func NewRouter(log *slog.Logger, mounts ...Mounter) http.Handler {
	return Router{Log: log}.Handler(mounts...)
}

func (rt Router) Handler(mounts ...Mounter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rt.Ready(ctx); err != nil {
				rt.Log.Warn("readiness_failed", slog.String("err", err.Error()))
				WriteErrorR(w, r, http.StatusServiceUnavailable, "not_ready", err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if rt.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{}))
	}

	for _, m := range mounts {
		m.Mount(mux)
	}

	h := capturePattern(mux)
	if rt.Metrics != nil {
		h = rt.Metrics.Middleware(h)
	}
	h = AccessLog(rt.Log)(h)
	h = RequestID(h)

	return h
}
