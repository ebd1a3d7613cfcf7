// Package metrics provides Prometheus metrics for AoNET.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "aonet"
)

// Metrics contains all Prometheus metrics for the server and tunnel
// supervisor (SPEC_FULL.md "Metrics").
type Metrics struct {
	// Connection metrics
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter
	AuthFailuresTotal   prometheus.Counter

	// Message metrics
	MessagesReceivedTotal *prometheus.CounterVec
	MessagesSentTotal     *prometheus.CounterVec
	BroadcastErrorsTotal  prometheus.Counter

	// Routing fabric metrics
	ChannelsActive prometheus.Gauge

	// Tunnel supervisor metrics
	TunnelUp               prometheus.Gauge
	TunnelReconnectsTotal  prometheus.Counter
	TunnelRestartsTotal    prometheus.Counter
	TunnelURLChangesTotal  prometheus.Counter
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

// NewMetrics creates a new Metrics instance with all metrics registered
// against the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, so tests can avoid the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently connected, authenticated sessions",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted TCP connections",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total connections rejected for exceeding the connection cap",
		}),
		AuthFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures",
		}),
		MessagesReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages received by type",
		}, []string{"type"}),
		MessagesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages sent by type",
		}, []string{"type"}),
		BroadcastErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_errors_total",
			Help:      "Total per-recipient broadcast send failures",
		}),
		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of channels currently present in the routing fabric",
		}),
		TunnelUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_up",
			Help:      "1 if the tunnel subprocess is currently running and has reported a public URL, else 0",
		}),
		TunnelReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_reconnects_total",
			Help:      "Total automatic tunnel reconnect attempts",
		}),
		TunnelRestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_restarts_total",
			Help:      "Total explicit tunnel restarts requested by an operator",
		}),
		TunnelURLChangesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_url_changes_total",
			Help:      "Total times the tunnel's reported public URL changed",
		}),
	}
}

// RecordConnectionAccepted records a new accepted TCP connection.
func (m *Metrics) RecordConnectionAccepted() {
	m.ConnectionsTotal.Inc()
}

// RecordConnectionRejected records a connection rejected for exceeding
// the connection cap.
func (m *Metrics) RecordConnectionRejected() {
	m.ConnectionsRejected.Inc()
}

// RecordAuthFailure records a failed AUTH attempt.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailuresTotal.Inc()
}

// RecordMessageReceived records an inbound message by wire type name.
func (m *Metrics) RecordMessageReceived(typeName string) {
	m.MessagesReceivedTotal.WithLabelValues(typeName).Inc()
}
