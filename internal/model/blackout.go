package model

import "time"

// BlackoutEvent records one covert interval of a node. At most one event per
// node is open (DeactivatedAt == nil) at any time; events are kept as history.
type BlackoutEvent struct {
	ID               int64      `json:"id"`
	NodeID           string     `json:"node_id"`
	ActivatedAt      time.Time  `json:"activated_at"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	ActivatedBy      string     `json:"activated_by,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	DetectionsQueued int        `json:"detections_queued"`
}

// IsOpen reports whether the blackout is still active.
func (e *BlackoutEvent) IsOpen() bool {
	return e.DeactivatedAt == nil
}

// Duration is the covert time so far for open events, or the full interval
// for closed ones.
func (e *BlackoutEvent) Duration(now time.Time) time.Duration {
	end := now
	if e.DeactivatedAt != nil {
		end = *e.DeactivatedAt
	}
	if end.Before(e.ActivatedAt) {
		return 0
	}
	return end.Sub(e.ActivatedAt)
}

// Alert is a detection whose best sub-detection reaches the alert threshold.
type Alert struct {
	Detection  Detection `json:"detection"`
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
}
