package relay

import (
	"net/http"

	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatwire"

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	peers    *prometheus.GaugeVec
	events   *prometheus.CounterVec
	messages *prometheus.CounterVec
	dropped  prometheus.Counter
	rejected prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers",
			Help: "Attached peers by transport.",
		}, []string{"transport"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_received_total",
			Help: "Inbound events by type.",
		}, []string{"event"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "send_message outcomes.",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slow_peers_dropped_total",
			Help: "Peers disconnected because their send buffer was full.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Connections refused by the connection limit.",
		}),
	}
	r.MustRegister(m.peers, m.events, m.messages, m.dropped, m.rejected)
	return m
}

func (m *Metrics) peerAttached(kind string) { m.peers.WithLabelValues(kind).Inc() }

func (m *Metrics) peerDetached(kind string) { m.peers.WithLabelValues(kind).Dec() }

func (m *Metrics) eventReceived(ev protocol.Event) {
	label := string(ev)
	if !ev.Known() {
		label = "unknown"
	}
	m.events.WithLabelValues(label).Inc()
}

// messageHandled records a send_message outcome: delivered, offline or invalid.
func (m *Metrics) messageHandled(outcome string) { m.messages.WithLabelValues(outcome).Inc() }

func (m *Metrics) slowPeerDropped() { m.dropped.Inc() }

func (m *Metrics) connectionRejected() { m.rejected.Inc() }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
