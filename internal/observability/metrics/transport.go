// Package metrics provides custom Prometheus metrics for the push channel.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics contains all Prometheus metrics related to the push channel.
// It implements transport.Recorder.
type TransportMetrics struct {
	ConnectionStatus  *prometheus.GaugeVec
	LastConnectTime   *prometheus.GaugeVec
	ReconnectAttempts *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	registry          *prometheus.Registry
}

// NewTransportMetrics creates a new instance of TransportMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewTransportMetrics(registry *prometheus.Registry) (*TransportMetrics, error) {
	m := &TransportMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register transport metrics: %w", err)
	}
	return m, nil
}

func (m *TransportMetrics) initMetrics() {
	m.ConnectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "push_connection_status",
		Help:      "Current push connection status (1 for connected, 0 for disconnected)",
	}, []string{LabelTransport})

	m.LastConnectTime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "push_last_connect_time_seconds",
		Help:      "Timestamp of the last successful push connection",
	}, []string{LabelTransport})

	m.ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "push_reconnect_attempts_total",
		Help:      "Total number of failed push connection attempts",
	}, []string{LabelTransport})

	m.FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "push_frames_received_total",
		Help:      "Total number of push frames forwarded to the normalizer",
	}, []string{LabelTransport})

	m.FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "push_frames_dropped_total",
		Help:      "Total number of push frames dropped before normalization",
	}, []string{LabelTransport, LabelReason})
}

// RecordConnection updates the connection status and last connect time.
func (m *TransportMetrics) RecordConnection(transport string, connected bool) {
	if connected {
		m.ConnectionStatus.WithLabelValues(transport).Set(1)
		m.LastConnectTime.WithLabelValues(transport).SetToCurrentTime()
		return
	}
	m.ConnectionStatus.WithLabelValues(transport).Set(0)
}

// RecordReconnectAttempt counts a failed dial.
func (m *TransportMetrics) RecordReconnectAttempt(transport string) {
	m.ReconnectAttempts.WithLabelValues(transport).Inc()
}

// RecordFrame counts a forwarded frame.
func (m *TransportMetrics) RecordFrame(transport string) {
	m.FramesReceived.WithLabelValues(transport).Inc()
}

// RecordDroppedFrame counts a frame dropped by the channel.
func (m *TransportMetrics) RecordDroppedFrame(transport, reason string) {
	m.FramesDropped.WithLabelValues(transport, reason).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *TransportMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ConnectionStatus.Describe(ch)
	m.LastConnectTime.Describe(ch)
	m.ReconnectAttempts.Describe(ch)
	m.FramesReceived.Describe(ch)
	m.FramesDropped.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *TransportMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ConnectionStatus.Collect(ch)
	m.LastConnectTime.Collect(ch)
	m.ReconnectAttempts.Collect(ch)
	m.FramesReceived.Collect(ch)
	m.FramesDropped.Collect(ch)
}
