package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics shared by all sessions built
// against it. A nil *Metrics is valid and records nothing.
type Metrics struct {
	handshakesTotal *prometheus.CounterVec
	verifiesTotal   *prometheus.CounterVec
	guardEngagedCnt prometheus.Counter
	bytesTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		handshakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlslink_handshakes_total",
				Help: "Completed and failed TLS handshakes",
			},
			[]string{"status"},
		),

		verifiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlslink_peer_verifications_total",
				Help: "Peer certificate verification outcomes",
			},
			[]string{"status"},
		),

		guardEngagedCnt: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tlslink_guard_engagements_total",
				Help: "Sessions that engaged the concurrency guard after handshake",
			},
		),

		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlslink_plaintext_bytes_total",
				Help: "Application bytes moved through sessions by direction",
			},
			[]string{"direction"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.handshakesTotal,
		m.verifiesTotal,
		m.guardEngagedCnt,
		m.bytesTotal,
	)
	return m
}

// Registry exposes the underlying registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) handshakeDone() {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues("complete").Inc()
}

func (m *Metrics) handshakeFailed() {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues("failed").Inc()
}

func (m *Metrics) verifyOK() {
	if m == nil {
		return
	}
	m.verifiesTotal.WithLabelValues("ok").Inc()
}

func (m *Metrics) verifyFailed() {
	if m == nil {
		return
	}
	m.verifiesTotal.WithLabelValues("denied").Inc()
}

func (m *Metrics) guardEngaged() {
	if m == nil {
		return
	}
	m.guardEngagedCnt.Inc()
}

func (m *Metrics) readBytes(n int) {
	if m == nil || n == 0 {
		return
	}
	m.bytesTotal.WithLabelValues("read").Add(float64(n))
}

func (m *Metrics) wroteBytes(n int) {
	if m == nil || n == 0 {
		return
	}
	m.bytesTotal.WithLabelValues("write").Add(float64(n))
}
