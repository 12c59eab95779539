package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lanemu"

// drop reasons
const (
	DropForeignApp = "foreign_app"
	DropMalformed  = "malformed"
	DropSpoofed    = "spoofed"
	DropSelfEcho   = "self_echo"
)

type Metrics struct {
	registry *prometheus.Registry

	ResolveMiss         prometheus.Counter
	ResolveSubstituted  prometheus.Counter
	CompletionEnqueued  prometheus.Counter
	CompletionDelivered prometheus.Counter
	CompletionUnhandled prometheus.Counter
	DatagramReceived    prometheus.Counter
	DatagramSent        prometheus.Counter
	DatagramDropped     *prometheus.CounterVec
	PeerSessions        prometheus.Gauge
	PeerSessionsEvicted prometheus.Counter
	PeerPacketSent      prometheus.Counter
	PeerPacketReceived  prometheus.Counter
	PeerLinkConnections prometheus.Gauge
}

// New registers all collectors on a private registry, so several instances
// can coexist in one process.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ResolveMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "resolve_miss_total",
			Help:      "Interface resolutions that fell back to the dummy interface.",
		}),
		ResolveSubstituted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "resolve_substituted_total",
			Help:      "Category resolutions satisfied from the ledger without a prior name resolution.",
		}),
		CompletionEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "completion_enqueued_total",
			Help:      "Completions pushed onto the dispatcher queue.",
		}),
		CompletionDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "completion_delivered_total",
			Help:      "Completions delivered to a registered handler.",
		}),
		CompletionUnhandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "completion_unhandled_total",
			Help:      "Completions released without a registered handler.",
		}),
		DatagramReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "datagram_received_total",
			Help:      "Datagrams read from the discovery socket.",
		}),
		DatagramSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "datagram_sent_total",
			Help:      "Datagrams broadcast on the discovery socket.",
		}),
		DatagramDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "datagram_dropped_total",
			Help:      "Discovery datagrams or updates discarded, by reason.",
		}, []string{"reason"}),
		PeerSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "peer_sessions",
			Help:      "Peer sessions currently tracked.",
		}),
		PeerSessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "peer_sessions_evicted_total",
			Help:      "Peer sessions evicted after the eviction window.",
		}),
		PeerPacketSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peerlink",
			Name:      "packet_sent_total",
			Help:      "Peer packets written to a peer link.",
		}),
		PeerPacketReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peerlink",
			Name:      "packet_received_total",
			Help:      "Peer packets read from a peer link.",
		}),
		PeerLinkConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peerlink",
			Name:      "outbound_connections",
			Help:      "Outbound peer link clients currently open.",
		}),
	}

	m.registry.MustRegister(
		m.ResolveMiss,
		m.ResolveSubstituted,
		m.CompletionEnqueued,
		m.CompletionDelivered,
		m.CompletionUnhandled,
		m.DatagramReceived,
		m.DatagramSent,
		m.DatagramDropped,
		m.PeerSessions,
		m.PeerSessionsEvicted,
		m.PeerPacketSent,
		m.PeerPacketReceived,
		m.PeerLinkConnections,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Dropped(reason string) {
	m.DatagramDropped.WithLabelValues(reason).Inc()
}
