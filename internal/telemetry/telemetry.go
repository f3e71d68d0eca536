// Package telemetry owns the service's Prometheus registry, the per-request
// observability middleware, and the readiness gauge.
package telemetry

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DurationBuckets cover typical sub-second API latency up to 5s.
var DurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// MetricsPath is the scrape endpoint; requests to it are never recorded.
const MetricsPath = "/metrics"

// BuildInfo labels the app_build_info gauge.
type BuildInfo struct {
	Service string
	Version string
	Env     string
}

// Observer is built once at startup and injected wherever requests are
// served. It holds no package-level state, so tests can build their own.
type Observer struct {
	registry *prometheus.Registry
	logger   *zap.Logger
	excluded map[string]struct{}

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	readyGauge      prometheus.Gauge
	ready           atomic.Bool
}

// New registers the request collectors, readiness gauge, build info, and the
// Go runtime and process collectors on a fresh registry.
func New(logger *zap.Logger, info BuildInfo) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Observer{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		excluded: map[string]struct{}{MetricsPath: {}},
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method, route and status.",
				Buckets: DurationBuckets,
			},
			[]string{"method", "route", "status"},
		),
		readyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "app_ready",
			Help: "1 once startup work (schema init) completed, 0 otherwise.",
		}),
	}
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information, always 1.",
		},
		[]string{"service", "version", "env"},
	)
	buildInfo.WithLabelValues(info.Service, info.Version, info.Env).Set(1)

	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		o.requestsTotal,
		o.requestDuration,
		o.readyGauge,
		buildInfo,
	)
	return o
}

// Registry exposes the registry so other components can add collectors.
func (o *Observer) Registry() *prometheus.Registry { return o.registry }

// Logger returns the logger request lines are written to.
func (o *Observer) Logger() *zap.Logger { return o.logger }

// Handler serves the registry in the Prometheus text exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}

// SetReady flips the readiness flag and gauge.
func (o *Observer) SetReady(ready bool) {
	o.ready.Store(ready)
	if ready {
		o.readyGauge.Set(1)
		return
	}
	o.readyGauge.Set(0)
}

// Ready reports the readiness flag.
func (o *Observer) Ready() bool { return o.ready.Load() }

// Observe records one finished request. Routes in the exclusion set are
// still logged but never counted. Extra fields are appended to the log line.
func (o *Observer) Observe(method, route string, status int, elapsed time.Duration, extra ...zap.Field) {
	code := strconv.Itoa(status)
	if _, skip := o.excluded[route]; !skip {
		o.requestsTotal.WithLabelValues(method, route, code).Inc()
		o.requestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	}
	fields := append([]zap.Field{
		zap.String("method", method),
		zap.String("route", route),
		zap.Int("status", status),
		zap.String("duration_ms", strconv.FormatFloat(float64(elapsed)/float64(time.Millisecond), 'f', 2, 64)),
	}, extra...)
	o.logger.Info("http_request", fields...)
}
