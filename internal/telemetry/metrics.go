// Package telemetry exposes Prometheus instruments for the hub.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "programista_hub"

type Metrics struct {
	syncRuns       *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	syncActive     prometheus.Gauge
	syncCoalesced  prometheus.Counter
	fetchRetries   prometheus.Counter
	indexVersion   prometheus.Gauge
	indexRecords   prometheus.Gauge
	commitDuration prometheus.Histogram
	webhookEvents  *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics registers all instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Finished sync runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync runs in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"trigger"}),
		syncActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_active",
			Help:      "1 while a sync run is executing.",
		}),
		syncCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_triggers_coalesced_total",
			Help:      "Triggers folded into an in-flight or pending run.",
		}),
		fetchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Retried provider download attempts.",
		}),
		indexVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_version",
			Help:      "Version of the current index snapshot.",
		}),
		indexRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_records",
			Help:      "Schedule records in the current index snapshot.",
		}),
		commitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_commit_duration_seconds",
			Help:      "Duration of index commits in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by result.",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) RecordSyncRun(trigger, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(trigger, outcome).Inc()
	m.syncDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (m *Metrics) SetSyncActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.syncActive.Set(1)
		return
	}
	m.syncActive.Set(0)
}

func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.syncCoalesced.Inc()
}

func (m *Metrics) RecordFetchRetry() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

func (m *Metrics) RecordCommit(version int64, records int, d time.Duration) {
	if m == nil {
		return
	}
	m.indexVersion.Set(float64(version))
	m.indexRecords.Set(float64(records))
	m.commitDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordWebhook(result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
