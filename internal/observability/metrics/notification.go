// Package metrics provides custom Prometheus metrics for notification operations.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics contains the Prometheus metrics for notification delivery.
// It implements notification.Recorder.
type NotificationMetrics struct {
	ProviderDeliveriesTotal *prometheus.CounterVec // deliveries by provider and result
	ProviderLastSuccessTime *prometheus.GaugeVec   // last successful delivery by provider

	registry *prometheus.Registry
}

// NewNotificationMetrics creates a new instance of NotificationMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

func (m *NotificationMetrics) initMetrics() {
	m.ProviderDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notification_deliveries_total",
			Help:      "Total number of notification deliveries by provider and result",
		},
		[]string{LabelProvider, LabelResult}, // result: sent, failed, dropped
	)

	m.ProviderLastSuccessTime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "notification_last_success_timestamp_seconds",
			Help:      "Timestamp of last successful notification delivery by provider",
		},
		[]string{LabelProvider},
	)
}

// RecordNotification counts a delivery outcome. Queue drops use the
// "queue" provider label.
func (m *NotificationMetrics) RecordNotification(provider, result string) {
	m.ProviderDeliveriesTotal.WithLabelValues(provider, result).Inc()
	if result == "sent" {
		m.ProviderLastSuccessTime.WithLabelValues(provider).SetToCurrentTime()
	}
}

// Describe implements the prometheus.Collector interface.
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ProviderDeliveriesTotal.Describe(ch)
	m.ProviderLastSuccessTime.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ProviderDeliveriesTotal.Collect(ch)
	m.ProviderLastSuccessTime.Collect(ch)
}
