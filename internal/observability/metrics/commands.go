package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CommandMetrics counts blackout commands and alert notifications.
// It implements blackout.Recorder and alerts.Recorder.
type CommandMetrics struct {
	Commands           *prometheus.CounterVec
	AlertNotifications *prometheus.CounterVec
	registry           *prometheus.Registry
}

// NewCommandMetrics creates and registers the command metrics.
func NewCommandMetrics(registry *prometheus.Registry) (*CommandMetrics, error) {
	m := &CommandMetrics{registry: registry}
	m.Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "blackout_commands_total",
		Help:      "Total number of blackout commands by kind and result",
	}, []string{LabelKind, LabelResult})
	m.AlertNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "alert_notifications_total",
		Help:      "Total number of alerts considered for notification by result",
	}, []string{LabelResult})

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register command metrics: %w", err)
	}
	return m, nil
}

// RecordCommand counts a blackout command outcome.
func (m *CommandMetrics) RecordCommand(kind, result string) {
	m.Commands.WithLabelValues(kind, result).Inc()
}

// RecordAlertNotification counts an alert notification outcome.
func (m *CommandMetrics) RecordAlertNotification(result string) {
	m.AlertNotifications.WithLabelValues(result).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *CommandMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Commands.Describe(ch)
	m.AlertNotifications.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *CommandMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Commands.Collect(ch)
	m.AlertNotifications.Collect(ch)
}
