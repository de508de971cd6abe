// Package metrics provides Prometheus metrics for Windrift.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "windrift"
)

// Metrics contains all Prometheus metrics for the endpoint.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec

	// Authentication metrics
	AuthSuccesses   prometheus.Counter
	AuthFailures    *prometheus.CounterVec
	AuthLatency     prometheus.Histogram
	CommandsHeld    prometheus.Counter
	CommandsDropped *prometheus.CounterVec

	// TCP relay metrics
	TCPRelaysActive   prometheus.Gauge
	TCPRelaysTotal    prometheus.Counter
	TCPConnectErrors  prometheus.Counter
	TCPConnectLatency prometheus.Histogram

	// UDP relay metrics
	AssociationsActive prometheus.Gauge
	AssociationsTotal  prometheus.Counter
	PacketsRelayed     *prometheus.CounterVec
	PacketsDropped     *prometheus.CounterVec
	FragmentsAssembled prometheus.Counter
	ReassemblyTimeouts prometheus.Counter

	// Data transfer metrics
	BytesRelayed *prometheus.CounterVec

	// Protocol metrics
	CommandsReceived *prometheus.CounterVec
	HeartbeatsSent   prometheus.Counter
	HeartbeatsRecv   prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections closed by reason",
		}, []string{"reason"}),

		AuthSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Total successful authentications",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total failed authentications by reason",
		}, []string{"reason"}),
		AuthLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_latency_seconds",
			Help:      "Time from connection accept to authentication",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		CommandsHeld: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_held_total",
			Help:      "Total commands held while authentication was pending",
		}),
		CommandsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dropped_total",
			Help:      "Total commands dropped by reason",
		}, []string{"reason"}),

		TCPRelaysActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_relays_active",
			Help:      "Number of TCP relays currently pumping data",
		}),
		TCPRelaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_relays_total",
			Help:      "Total TCP relays started",
		}),
		TCPConnectErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_connect_errors_total",
			Help:      "Total failed TCP connections to relay targets",
		}),
		TCPConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tcp_connect_latency_seconds",
			Help:      "Latency of TCP connections to relay targets",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of live UDP associations",
		}),
		AssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total UDP associations created",
		}),
		PacketsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_relayed_total",
			Help:      "Total UDP packets relayed by direction",
		}, []string{"direction"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_dropped_total",
			Help:      "Total UDP packets dropped by reason",
		}, []string{"reason"}),
		FragmentsAssembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_fragments_assembled_total",
			Help:      "Total fragments accepted into reassembly buffers",
		}),
		ReassemblyTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_reassembly_timeouts_total",
			Help:      "Total reassembly buffers dropped by the sweep",
		}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed by protocol and direction",
		}, []string{"protocol", "direction"}),

		CommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_received_total",
			Help:      "Total protocol commands received by type",
		}, []string{"type"}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeats sent",
		}),
		HeartbeatsRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total heartbeats received",
		}),
	}

	return m
}

// RecordConnect records a new client connection.
func (m *Metrics) RecordConnect() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordDisconnect records a connection closing.
func (m *Metrics) RecordDisconnect(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess(latencySeconds float64) {
	m.AuthSuccesses.Inc()
	m.AuthLatency.Observe(latencySeconds)
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordCommandHeld records a command queued behind the auth gate.
func (m *Metrics) RecordCommandHeld() {
	m.CommandsHeld.Inc()
}

// RecordCommandDropped records a discarded command.
func (m *Metrics) RecordCommandDropped(reason string) {
	m.CommandsDropped.WithLabelValues(reason).Inc()
}

// RecordCommand records a received protocol command.
func (m *Metrics) RecordCommand(commandType string) {
	m.CommandsReceived.WithLabelValues(commandType).Inc()
}

// RecordTCPRelayStart records a TCP relay starting.
func (m *Metrics) RecordTCPRelayStart(connectLatencySeconds float64) {
	m.TCPRelaysActive.Inc()
	m.TCPRelaysTotal.Inc()
	m.TCPConnectLatency.Observe(connectLatencySeconds)
}

// RecordTCPRelayEnd records a TCP relay finishing.
func (m *Metrics) RecordTCPRelayEnd() {
	m.TCPRelaysActive.Dec()
}

// RecordTCPConnectError records a failed connection to a relay target.
func (m *Metrics) RecordTCPConnectError() {
	m.TCPConnectErrors.Inc()
}

// RecordAssociationCreate records a new UDP association.
func (m *Metrics) RecordAssociationCreate() {
	m.AssociationsActive.Inc()
	m.AssociationsTotal.Inc()
}

// RecordAssociationRemove records a UDP association closing.
func (m *Metrics) RecordAssociationRemove() {
	m.AssociationsActive.Dec()
}

// RecordPacketRelayed records a relayed UDP packet.
func (m *Metrics) RecordPacketRelayed(direction string, bytes int) {
	m.PacketsRelayed.WithLabelValues(direction).Inc()
	m.BytesRelayed.WithLabelValues("udp", direction).Add(float64(bytes))
}

// RecordPacketDropped records a dropped UDP packet.
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordFragment records a fragment accepted into a reassembly buffer.
func (m *Metrics) RecordFragment() {
	m.FragmentsAssembled.Inc()
}

// RecordReassemblyTimeouts records buffers dropped by a sweep.
func (m *Metrics) RecordReassemblyTimeouts(count int) {
	m.ReassemblyTimeouts.Add(float64(count))
}

// RecordTCPBytes records bytes relayed over a TCP relay.
func (m *Metrics) RecordTCPBytes(direction string, bytes int64) {
	m.BytesRelayed.WithLabelValues("tcp", direction).Add(float64(bytes))
}

// RecordHeartbeatSent records an outbound heartbeat.
func (m *Metrics) RecordHeartbeatSent() {
	m.HeartbeatsSent.Inc()
}

// RecordHeartbeatRecv records an inbound heartbeat.
func (m *Metrics) RecordHeartbeatRecv() {
	m.HeartbeatsRecv.Inc()
}
