// Package metrics exposes Prometheus instrumentation for the job pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the dispatcher Observer contract and adds counters for
// the enqueue side. All vectors are labelled by job kind.
type Metrics struct {
	registry *prometheus.Registry

	enqueued  *prometheus.CounterVec
	claimed   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	dead      *prometheus.CounterVec
	reaped    prometheus.Counter
	latency   *prometheus.HistogramVec
}

// New builds and registers the metric set on its own registry so tests and
// multiple instances never collide on the global one.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "empirecore",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Jobs inserted into the queue.",
		}, []string{"kind"}),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "empirecore",
			Subsystem: "jobs",
			Name:      "claimed_total",
			Help:      "Jobs claimed by a dispatcher.",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "empirecore",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Jobs finished successfully.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "empirecore",
			Subsystem: "jobs",
			Name:      "failed_total",
			Help:      "Handler failures, including ones that will retry.",
		}, []string{"kind"}),
		dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "empirecore",
			Subsystem: "jobs",
			Name:      "dead_total",
			Help:      "Jobs that exhausted their retries.",
		}, []string{"kind"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "empirecore",
			Subsystem: "jobs",
			Name:      "locks_reaped_total",
			Help:      "Expired locks returned to the queue.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "empirecore",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Handler execution time for completed jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind"}),
	}
	registry.MustRegister(m.enqueued, m.claimed, m.completed, m.failed, m.dead, m.reaped, m.latency)
	return m
}

// JobEnqueued counts an insert. Called by the service layer, not the
// dispatcher.
func (m *Metrics) JobEnqueued(kind string) {
	m.enqueued.WithLabelValues(kind).Inc()
}

// JobClaimed implements the dispatcher observer.
func (m *Metrics) JobClaimed(kind string) {
	m.claimed.WithLabelValues(kind).Inc()
}

// JobCompleted implements the dispatcher observer.
func (m *Metrics) JobCompleted(kind string, duration time.Duration) {
	m.completed.WithLabelValues(kind).Inc()
	m.latency.WithLabelValues(kind).Observe(duration.Seconds())
}

// JobFailed implements the dispatcher observer.
func (m *Metrics) JobFailed(kind string, terminal bool) {
	m.failed.WithLabelValues(kind).Inc()
	if terminal {
		m.dead.WithLabelValues(kind).Inc()
	}
}

// LocksReaped implements the dispatcher observer.
func (m *Metrics) LocksReaped(count int) {
	m.reaped.Add(float64(count))
}

// Registry exposes the underlying registry for test scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
