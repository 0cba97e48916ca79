// Package metrics provides constants used across metric definitions.
package metrics

// Namespace prefixes every metric exported by the console.
const Namespace = "sentinel"

// Label names.
const (
	LabelTransport = "transport"
	LabelReason    = "reason"
	LabelKind      = "kind"
	LabelResult    = "result"
	LabelAnomaly   = "anomaly"
	LabelProvider  = "provider"
	LabelMethod    = "method"
	LabelRoute     = "route"
	LabelStatus    = "status_code"
)

// Status label values used when a request produced no HTTP status.
const (
	StatusError = "error"
)

// Histogram buckets.
var (
	// RequestBuckets cover 5ms to 30s, the REST timeout range.
	RequestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	// ReconcileBuckets cover fast local merges up to slow full snapshots.
	ReconcileBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)
