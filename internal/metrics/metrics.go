// Package metrics provides Prometheus metrics for the connect proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "connect_proxy"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Tunnel metrics
	ActiveTunnels prometheus.Gauge
	TotalTunnels  prometheus.Counter
	TunnelErrors  *prometheus.CounterVec

	// Forwarding metrics
	TunnelsForwarded        prometheus.Counter
	ForwardHandshakeLatency prometheus.Histogram
	ForwardErrors           *prometheus.CounterVec

	// Directory metrics
	DirectoryRequests *prometheus.CounterVec
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
		ActiveTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunnels",
			Help:      "Number of currently open local tunnels",
		}),
		TotalTunnels: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total_tunnels",
			Help:      "Total number of local tunnels established",
		}),
		TunnelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_errors_total",
			Help:      "Total tunnel failures by error kind",
		}, []string{"kind"}),

		TunnelsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_forwarded_total",
			Help:      "Total tunnels relayed to a sibling instance",
		}),
		ForwardHandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_handshake_latency_seconds",
			Help:      "Histogram of sibling CONNECT handshake latency in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Total forwarding handshake failures by type",
		}, []string{"error_type"}),

		DirectoryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_requests_total",
			Help:      "Total device directory requests by operation and outcome",
		}, []string{"operation", "outcome"}),
	}

	return m
}

// RecordTunnelOpen records a local tunnel being established.
func (m *Metrics) RecordTunnelOpen() {
	m.ActiveTunnels.Inc()
	m.TotalTunnels.Inc()
}

// RecordTunnelClose records a local tunnel closing.
func (m *Metrics) RecordTunnelClose() {
	m.ActiveTunnels.Dec()
}

// RecordTunnelError records a tunnel failure.
func (m *Metrics) RecordTunnelError(kind string) {
	m.TunnelErrors.WithLabelValues(kind).Inc()
}

// RecordForward records a tunnel relayed to a sibling instance.
func (m *Metrics) RecordForward(latencySeconds float64) {
	m.TunnelsForwarded.Inc()
	m.ForwardHandshakeLatency.Observe(latencySeconds)
}

// RecordForwardError records a forwarding handshake failure.
func (m *Metrics) RecordForwardError(errorType string) {
	m.ForwardErrors.WithLabelValues(errorType).Inc()
}

// RecordDirectoryRequest records a directory API request outcome.
func (m *Metrics) RecordDirectoryRequest(operation, outcome string) {
	m.DirectoryRequests.WithLabelValues(operation, outcome).Inc()
}
