package httpx_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/orderflow/internal/shared/httpx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil)).With(slog.String("app", "test"))
}

type echoRoutes struct{}

func (echoRoutes) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /echo/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "boom" {
			httpx.WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id")})
	})
}

func newRouterForTest() http.Handler {
	return httpx.NewRouter(testLogger(), echoRoutes{})
}

// do sends a GET with an optional request id and returns the response with
// its body read.
func do(t *testing.T, h http.Handler, path, rid string) (*http.Response, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if rid != "" {
		req.Header.Set("X-Request-Id", rid)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestRouterBuiltinRoutes(t *testing.T) {
	down := httpx.Router{
		Log:   testLogger(),
		Ready: func(context.Context) error { return errors.New("redis: connection refused") },
	}.Handler()

	cases := []struct {
		name   string
		h      http.Handler
		path   string
		status int
		body   string
	}{
		{"healthz", newRouterForTest(), "/healthz", http.StatusOK, "ok"},
		{"readyz without check", newRouterForTest(), "/readyz", http.StatusOK, "ready"},
		{"readyz failing", down, "/readyz", http.StatusServiceUnavailable, `"code":"not_ready"`},
		{"unknown path", newRouterForTest(), "/nope", http.StatusNotFound, "404 page not found"},
		{"mounted route", newRouterForTest(), "/echo/a", http.StatusOK, `{"id":"a"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, tc.h, tc.path, "")
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Contains(t, body, tc.body)
		})
	}
}

func TestRequestIDIsIssuedOrKept(t *testing.T) {
	resp, _ := do(t, newRouterForTest(), "/healthz", "")
	assert.Regexp(t, `^[0-9a-f]{32}$`, resp.Header.Get("X-Request-Id"))

	resp, _ = do(t, newRouterForTest(), "/healthz", "test123")
	assert.Equal(t, "test123", resp.Header.Get("X-Request-Id"))
}

func TestErrorBodyCarriesRequestID(t *testing.T) {
	resp, body := do(t, newRouterForTest(), "/echo/boom", "rid-42")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, `"request_id":"rid-42"`)
}

func TestMetricsUseRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(httpx.Router{
		Log:      testLogger(),
		Metrics:  httpx.NewMetrics(reg),
		Gatherer: reg,
	}.Handler(echoRoutes{}))
	t.Cleanup(srv.Close)

	for _, id := range []string{"a", "b"} {
		resp, err := http.Get(srv.URL + "/echo/" + id)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), `http_requests_total{method="GET",route="/echo/{id}",status="200"} 2`)
}
