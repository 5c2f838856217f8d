// Package metrics exposes Prometheus instrumentation for the fetch pipeline
// and the transform worker pool. All methods are nil-safe so instrumentation
// stays optional in tests and one-shot CLI runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a dedicated registry so independent
// instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	fetchTotal        prometheus.Counter
	fetchErrors       *prometheus.CounterVec
	transformOutcomes *prometheus.CounterVec
	transformDuration prometheus.Histogram
	workerRestarts    prometheus.Counter
	queueDepth        prometheus.Gauge
	liveWorkers       prometheus.Gauge
}

// New creates a Metrics set with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.fetchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchurl_fetch_total",
		Help: "Total fetch attempts.",
	})
	m.fetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchurl_fetch_errors_total",
		Help: "Fetch failures by stable error code.",
	}, []string{"code"})
	m.transformOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchurl_transform_tasks_total",
		Help: "Transform tasks by outcome.",
	}, []string{"outcome"})
	m.transformDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchurl_transform_duration_seconds",
		Help:    "Wall time from task submission to settlement.",
		Buckets: prometheus.DefBuckets,
	})
	m.workerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchurl_worker_restarts_total",
		Help: "Worker host restarts after timeout, cancellation, or crash.",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fetchurl_queue_depth",
		Help: "Tasks waiting for an idle worker.",
	})
	m.liveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fetchurl_live_workers",
		Help: "Currently running worker hosts.",
	})

	m.registry.MustRegister(
		m.fetchTotal, m.fetchErrors, m.transformOutcomes,
		m.transformDuration, m.workerRestarts, m.queueDepth, m.liveWorkers,
	)
	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncFetch counts one fetch attempt.
func (m *Metrics) IncFetch() {
	if m != nil {
		m.fetchTotal.Inc()
	}
}

// IncFetchError counts one fetch failure by code.
func (m *Metrics) IncFetchError(code string) {
	if m != nil {
		if code == "" {
			code = "unknown"
		}
		m.fetchErrors.WithLabelValues(code).Inc()
	}
}

// IncTransformOutcome counts a settled transform task by outcome.
func (m *Metrics) IncTransformOutcome(outcome string) {
	if m != nil {
		m.transformOutcomes.WithLabelValues(outcome).Inc()
	}
}

// ObserveTransformDuration records submission-to-settlement wall time.
func (m *Metrics) ObserveTransformDuration(seconds float64) {
	if m != nil {
		m.transformDuration.Observe(seconds)
	}
}

// IncWorkerRestarts counts one worker slot restart.
func (m *Metrics) IncWorkerRestarts() {
	if m != nil {
		m.workerRestarts.Inc()
	}
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m != nil {
		m.queueDepth.Set(float64(depth))
	}
}

// SetLiveWorkers records the current live worker count.
func (m *Metrics) SetLiveWorkers(count int) {
	if m != nil {
		m.liveWorkers.Set(float64(count))
	}
}
