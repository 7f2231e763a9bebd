package translate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Translation outcomes recorded by Metrics.
const (
	outcomeStructured = "structured"
	outcomeRetried    = "structured_retry"
	outcomePlain      = "plain_fallback"
	outcomeEcho       = "echo"
)

// Metrics holds the translation collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	results  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parla",
			Subsystem: "translate",
			Name:      "results_total",
			Help:      "Translate calls by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parla",
			Subsystem: "translate",
			Name:      "provider_seconds",
			Help:      "Provider call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16},
		}, []string{"call"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parla",
			Subsystem: "translate",
			Name:      "provider_failures_total",
			Help:      "Provider call failures.",
		}, []string{"call"}),
	}
	if reg != nil {
		reg.MustRegister(m.results, m.latency, m.failures)
	}
	return m
}

func (m *Metrics) outcome(o string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(o).Inc()
}

func (m *Metrics) observe(call string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(call).Observe(time.Since(start).Seconds())
	if err != nil {
		m.failures.WithLabelValues(call).Inc()
	}
}
