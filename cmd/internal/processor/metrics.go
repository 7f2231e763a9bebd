package processor

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds processor collectors. A nil *Metrics records nothing.
type Metrics struct {
	processed *prometheus.CounterVec
	duration  prometheus.Histogram
	tts       prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parla",
			Subsystem: "processor",
			Name:      "messages_total",
			Help:      "Processed messages by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "parla",
			Subsystem: "processor",
			Name:      "process_seconds",
			Help:      "End-to-end Process latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		tts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parla",
			Subsystem: "processor",
			Name:      "tts_failures_total",
			Help:      "Translated voice synthesis failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.processed, m.duration, m.tts)
	}
	return m
}

func (m *Metrics) observe(start time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.Observe(time.Since(start).Seconds())
	m.processed.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) ttsFailed() {
	if m == nil {
		return
	}
	m.tts.Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsPersistence(err):
		return "persistence_error"
	case errors.Is(err, ErrSenderNotFound), errors.Is(err, ErrReceiverNotFound), errors.Is(err, ErrChatNotFound):
		return "not_found"
	case errors.Is(err, ErrSenderInactive), errors.Is(err, ErrNotParticipant):
		return "forbidden"
	default:
		return "invalid"
	}
}
