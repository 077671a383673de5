// Package metrics exposes rotation counters on a dedicated Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	attempts    *prometheus.CounterVec
	leaseSkips  prometheus.Counter
	reconcile   prometheus.Histogram
	mediaOps    *prometheus.CounterVec
	historySent *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_attempts_total",
			Help: "Rotation attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		leaseSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rotation_lease_skipped_total",
			Help: "Due tests skipped because another worker holds the lease.",
		}),
		reconcile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rotation_reconcile_seconds",
			Help:    "Wall time of one reconciliation against the media provider.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		mediaOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_media_operations_total",
			Help: "Provider media operations issued, by operation.",
		}, []string{"op"}),
		historySent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotation_history_stream_total",
			Help: "History entries handed to the event stream, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.attempts, m.leaseSkips, m.reconcile, m.mediaOps, m.historySent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RotationAttempt(trigger, outcome string) {
	m.attempts.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) LeaseSkipped() {
	m.leaseSkips.Inc()
}

func (m *Metrics) ObserveReconcile(d time.Duration) {
	m.reconcile.Observe(d.Seconds())
}

func (m *Metrics) MediaOperation(op string, n int) {
	m.mediaOps.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) HistoryStreamed(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.historySent.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
