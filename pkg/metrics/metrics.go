// Package metrics exposes the protocol's Prometheus counters and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the counters fed by the server and client endpoints.
type Metrics struct {
	PacketsReceived   prometheus.Counter
	PacketsSent       prometheus.Counter
	Retransmits       prometheus.Counter
	ExpiredMessages   prometheus.Counter
	DecryptFailures   prometheus.Counter
	MalformedPackets  prometheus.Counter
	HandshakeFailures prometheus.Counter
	MessagesDelivered prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionsExpired   prometheus.Counter
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_packets_received_total",
			Help: "Datagrams received from the transport.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_packets_sent_total",
			Help: "Datagrams handed to the transport.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_retransmits_total",
			Help: "Reliable messages retransmitted after RTO.",
		}),
		ExpiredMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_expired_messages_total",
			Help: "Reliable messages dropped after exhausting retransmission attempts.",
		}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_decrypt_failures_total",
			Help: "Packets dropped on AEAD or nonce-window failure.",
		}),
		MalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_malformed_packets_total",
			Help: "Packets dropped by the wire decoder.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_handshake_failures_total",
			Help: "Handshakes rejected or timed out.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_messages_delivered_total",
			Help: "Application messages delivered to handlers.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftgram_sessions_active",
			Help: "Sessions currently tracked, connected or awaiting reconnect.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftgram_sessions_expired_total",
			Help: "Sessions destroyed after their reconnect window elapsed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PacketsReceived, m.PacketsSent, m.Retransmits, m.ExpiredMessages,
			m.DecryptFailures, m.MalformedPackets, m.HandshakeFailures,
			m.MessagesDelivered, m.SessionsActive, m.SessionsExpired,
		)
	}
	return m
}

// NewNop creates an unregistered metric set for tests and clients that do
// not export metrics.
func NewNop() *Metrics {
	return New(nil)
}

// Serve exposes reg on addr under /metrics. It blocks; run it in its own
// goroutine.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
