package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records supervisor activity on a private Prometheus registry. A
// nil *Metrics is valid and records nothing, so tests and embedders that
// don't care about metrics can pass nothing.
type Metrics struct {
	ensures        *prometheus.CounterVec
	restarts       prometheus.Counter
	ensureDuration prometheus.Histogram
	probeDuration  prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates the supervisor metric set under the given namespace
// ("moltgate" when empty) on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "moltgate"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.ensures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ensure_total",
			Help:      "Total ensure calls by outcome (reused, started, failed)",
		},
		[]string{"outcome"},
	)

	m.restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_restarts_total",
			Help:      "Total times a stale gateway was terminated before relaunch",
		},
	)

	m.ensureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ensure_duration_seconds",
			Help:      "Duration of ensure calls, including probes and launches",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120},
		},
	)

	m.probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Duration of readiness probes",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	m.registry.MustRegister(
		m.ensures,
		m.restarts,
		m.ensureDuration,
		m.probeDuration,
	)

	return m
}

// EnsureOutcome records the result of an ensure call.
func (m *Metrics) EnsureOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ensures.WithLabelValues(outcome).Inc()
}

// Restart records a stale-gateway termination.
func (m *Metrics) Restart() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// EnsureDuration records how long an ensure call took.
func (m *Metrics) EnsureDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.ensureDuration.Observe(d.Seconds())
}

// ProbeDuration records how long a readiness probe took.
func (m *Metrics) ProbeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.probeDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry so the HTTP surface can serve it
// and other components can register alongside.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
