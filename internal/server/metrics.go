package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	activeConnections prometheus.Gauge
	authFailures      *prometheus.CounterVec
	envelopes         *prometheus.CounterVec
	deliveries        prometheus.Counter
	evictions         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a private registry so repeated construction never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_connections_active",
			Help: "Current number of authenticated connections.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_auth_failures_total",
			Help: "Connections rejected at accept time.",
		}, []string{"reason"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_envelopes_total",
			Help: "Envelopes dispatched, by action and reply code.",
		}, []string{"action", "outcome"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gochat_broadcast_deliveries_total",
			Help: "Payloads queued to room members by broadcasts.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_evictions_total",
			Help: "Connections removed from the registry, by cause.",
		}, []string{"cause"}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.authFailures,
		m.envelopes,
		m.deliveries,
		m.evictions,
	)
	return m
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) authFailed(reason string) {
	if m != nil {
		m.authFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) envelope(action, outcome string) {
	if m != nil {
		m.envelopes.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) delivered(n int) {
	if m != nil && n > 0 {
		m.deliveries.Add(float64(n))
	}
}

func (m *Metrics) evicted(cause string) {
	if m != nil {
		m.evictions.WithLabelValues(cause).Inc()
	}
}
