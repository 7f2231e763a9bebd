package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds hub and gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	backplane   *prometheus.CounterVec
	events      *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parla",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections on this instance.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parla",
			Subsystem: "hub",
			Name:      "delivered_total",
			Help:      "Envelopes enqueued to local clients.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parla",
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Envelopes dropped because a client queue was full or closing.",
		}, []string{"type"}),
		backplane: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parla",
			Subsystem: "hub",
			Name:      "backplane_total",
			Help:      "Backplane frames by direction and result.",
		}, []string{"direction", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parla",
			Subsystem: "ws",
			Name:      "events_total",
			Help:      "Inbound websocket events by type and result.",
		}, []string{"type", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.delivered, m.dropped, m.backplane, m.events)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) deliver(typ string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.delivered.WithLabelValues(typ).Inc()
	} else {
		m.dropped.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) frame(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.backplane.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.backplane.WithLabelValues("out", "dropped").Inc()
	}
}

func (m *Metrics) event(typ string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(typ, result).Inc()
}
