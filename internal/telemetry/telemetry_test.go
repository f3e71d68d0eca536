package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestObserver(t *testing.T) (*Observer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	return New(zap.New(core), BuildInfo{Service: "items", Version: "test", Env: "test"}), logs
}

// outerRecover stands in for the server's recoverer so panics can be asserted.
func outerRecover(recovered *any) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					*recovered = rec
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func newTestRouter(o *Observer, recovered *any) chi.Router {
	r := chi.NewRouter()
	r.Use(outerRecover(recovered))
	r.Use(o.Middleware)
	r.Get("/api/items", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/items", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/api/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("implicit 200"))
	})
	r.Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	})
	r.Get("/late", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		panic("exploded after header")
	})
	r.Method(http.MethodGet, MetricsPath, o.Handler())
	return r
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMiddlewareCountsPerRouteTemplate(t *testing.T) {
	t.Parallel()

	o, _ := newTestObserver(t)
	var recovered any
	r := newTestRouter(o, &recovered)

	for i := 0; i < 3; i++ {
		serve(t, r, http.MethodGet, "/api/items")
	}
	serve(t, r, http.MethodPost, "/api/items")
	serve(t, r, http.MethodGet, "/api/items/1")
	serve(t, r, http.MethodGet, "/api/items/2")

	require.InDelta(t, 3, testutil.ToFloat64(o.requestsTotal.WithLabelValues("GET", "/api/items", "200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(o.requestsTotal.WithLabelValues("POST", "/api/items", "201")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(o.requestsTotal.WithLabelValues("GET", "/api/items/{id}", "200")), 0)
	// One series per (method, route, status); concrete ids never become labels.
	require.Equal(t, 3, testutil.CollectAndCount(o.requestsTotal))
	require.Equal(t, 3, testutil.CollectAndCount(o.requestDuration))
}

func TestMiddlewareSkipsMetricsEndpoint(t *testing.T) {
	t.Parallel()

	o, logs := newTestObserver(t)
	var recovered any
	r := newTestRouter(o, &recovered)

	serve(t, r, http.MethodGet, "/api/items")
	for i := 0; i < 5; i++ {
		rec := serve(t, r, http.MethodGet, MetricsPath)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Equal(t, 1, testutil.CollectAndCount(o.requestsTotal))
	body := serve(t, r, http.MethodGet, MetricsPath).Body.String()
	require.NotContains(t, body, `route="/metrics"`)
	require.Contains(t, body, `http_requests_total{method="GET",route="/api/items",status="200"} 1`)
	require.Equal(t, 7, logs.FilterMessage("http_request").Len())
}

func TestMiddlewareRecordsPanicAs500AndRepanics(t *testing.T) {
	t.Parallel()

	o, logs := newTestObserver(t)
	var recovered any
	r := newTestRouter(o, &recovered)

	rec := serve(t, r, http.MethodGet, "/boom")

	require.Equal(t, "handler exploded", recovered)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.InDelta(t, 1, testutil.ToFloat64(o.requestsTotal.WithLabelValues("GET", "/boom", "500")), 0)
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(500), entries[0].ContextMap()["status"])
}

func TestMiddlewareKeepsWrittenStatusOnLatePanic(t *testing.T) {
	t.Parallel()

	o, _ := newTestObserver(t)
	var recovered any
	r := newTestRouter(o, &recovered)

	rec := serve(t, r, http.MethodGet, "/late")

	require.Equal(t, "exploded after header", recovered)
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 1, testutil.ToFloat64(o.requestsTotal.WithLabelValues("GET", "/late", "200")), 0)
	require.InDelta(t, 0, testutil.ToFloat64(o.requestsTotal.WithLabelValues("GET", "/late", "500")), 0)
}

func TestMiddlewareLogsClientFields(t *testing.T) {
	t.Parallel()

	o, logs := newTestObserver(t)
	var recovered any
	r := newTestRouter(o, &recovered)

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	req.Header.Set("User-Agent", "curl/8.5.0")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "10.0.0.7:51234", fields["remote"])
	require.Equal(t, "curl/8.5.0", fields["ua"])
}

func TestMiddlewareFallsBackToRawPath(t *testing.T) {
	t.Parallel()

	o, _ := newTestObserver(t)
	var recovered any
	r := newTestRouter(o, &recovered)

	rec := serve(t, r, http.MethodGet, "/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.InDelta(t, 1, testutil.ToFloat64(o.requestsTotal.WithLabelValues("GET", "/missing", "404")), 0)
}

func TestObserveLogLine(t *testing.T) {
	t.Parallel()

	o, logs := newTestObserver(t)
	o.Observe(http.MethodPost, "/api/items", http.StatusCreated, 1234567*time.Nanosecond)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "POST", fields["method"])
	require.Equal(t, "/api/items", fields["route"])
	require.Equal(t, int64(201), fields["status"])
	require.Equal(t, "1.23", fields["duration_ms"])
	require.Regexp(t, regexp.MustCompile(`^\d+\.\d{2}$`), fields["duration_ms"])
}

func TestReadinessGauge(t *testing.T) {
	t.Parallel()

	o, _ := newTestObserver(t)
	require.False(t, o.Ready())
	require.InDelta(t, 0, testutil.ToFloat64(o.readyGauge), 0)

	o.SetReady(true)
	require.True(t, o.Ready())
	require.InDelta(t, 1, testutil.ToFloat64(o.readyGauge), 0)

	o.SetReady(false)
	require.False(t, o.Ready())
	require.InDelta(t, 0, testutil.ToFloat64(o.readyGauge), 0)
}

func TestHandlerExposesRuntimeAndBuildInfo(t *testing.T) {
	t.Parallel()

	o, _ := newTestObserver(t)
	o.SetReady(true)
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	require.Contains(t, body, "go_goroutines")
	require.Contains(t, body, "app_ready 1")
	require.Contains(t, body, `app_build_info{env="test",service="items",version="test"} 1`)
}

func TestObserversAreIndependent(t *testing.T) {
	t.Parallel()

	a, _ := newTestObserver(t)
	b, _ := newTestObserver(t)
	a.Observe("GET", "/api/items", 200, time.Millisecond)

	require.Equal(t, 1, testutil.CollectAndCount(a.requestsTotal))
	require.Equal(t, 0, testutil.CollectAndCount(b.requestsTotal))
}
