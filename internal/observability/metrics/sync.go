package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics covers the state pipeline: normalization, store transitions
// and reconciliation. It implements normalizer.Recorder, store.Recorder and
// reconcile.Recorder.
type SyncMetrics struct {
	MalformedEvents      *prometheus.CounterVec
	Corrections          *prometheus.CounterVec
	AnomalousTransitions *prometheus.CounterVec
	ReconcileRuns        *prometheus.CounterVec
	ReconcileDuration    prometheus.Histogram
	LastReconcileTime    prometheus.Gauge
	registry             *prometheus.Registry
}

// NewSyncMetrics creates and registers the pipeline metrics.
func NewSyncMetrics(registry *prometheus.Registry) (*SyncMetrics, error) {
	m := &SyncMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register sync metrics: %w", err)
	}
	return m, nil
}

func (m *SyncMetrics) initMetrics() {
	m.MalformedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "malformed_events_total",
		Help:      "Total number of push frames rejected by the normalizer",
	}, []string{LabelReason})

	m.Corrections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "event_corrections_total",
		Help:      "Total number of field corrections applied while normalizing",
	}, []string{LabelKind})

	m.AnomalousTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "anomalous_transitions_total",
		Help:      "Total number of node status transitions outside the transition table",
	}, []string{LabelAnomaly})

	m.ReconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reconcile_runs_total",
		Help:      "Total number of reconciliation runs by result",
	}, []string{LabelResult})

	m.ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of completed reconciliation runs",
		Buckets:   ReconcileBuckets,
	})

	m.LastReconcileTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "reconcile_last_success_time_seconds",
		Help:      "Timestamp of the last successful reconciliation",
	})
}

// RecordMalformed counts a rejected frame.
func (m *SyncMetrics) RecordMalformed(reason string) {
	m.MalformedEvents.WithLabelValues(reason).Inc()
}

// RecordCorrection counts a corrected field.
func (m *SyncMetrics) RecordCorrection(kind string) {
	m.Corrections.WithLabelValues(kind).Inc()
}

// RecordAnomaly counts a coerced status transition.
func (m *SyncMetrics) RecordAnomaly(anomaly string) {
	m.AnomalousTransitions.WithLabelValues(anomaly).Inc()
}

// RecordReconcile counts a run. Skipped runs carry no duration.
func (m *SyncMetrics) RecordReconcile(result string, elapsed time.Duration) {
	m.ReconcileRuns.WithLabelValues(result).Inc()
	if elapsed > 0 {
		m.ReconcileDuration.Observe(elapsed.Seconds())
	}
	if result == "ok" {
		m.LastReconcileTime.SetToCurrentTime()
	}
}

func (m *SyncMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MalformedEvents,
		m.Corrections,
		m.AnomalousTransitions,
		m.ReconcileRuns,
		m.ReconcileDuration,
		m.LastReconcileTime,
	}
}

// Describe implements the prometheus.Collector interface.
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
