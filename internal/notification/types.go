// Package notification delivers operator notifications, such as new
// high-confidence alerts, to external services.
package notification

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/sentinel-console/internal/model"
)

// Type represents the category of a notification
type Type string

const (
	// TypeAlert is a detection at or above the alert threshold
	TypeAlert Type = "alert"
	// TypeBlackout reports a covert-mode change
	TypeBlackout Type = "blackout"
	// TypeSystem indicates a console status notification
	TypeSystem Type = "system"
)

// Priority represents the urgency level of a notification
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Notification is one message handed to the providers.
type Notification struct {
	// ID is the unique identifier for the notification
	ID       string   `json:"id"`
	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	// Component identifies the source component (e.g. "alerts", "blackout")
	Component string         `json:"component,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewNotification creates a new notification with a unique ID and timestamp
func NewNotification(notifType Type, priority Priority, title, message string) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Type:      notifType,
		Priority:  priority,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Metadata:  make(map[string]any),
	}
}

// WithComponent sets the component field and returns the notification for chaining
func (n *Notification) WithComponent(component string) *Notification {
	n.Component = component
	return n
}

// WithMetadata adds metadata and returns the notification for chaining
func (n *Notification) WithMetadata(key string, value any) *Notification {
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}
	n.Metadata[key] = value
	return n
}

// Clone returns a copy whose Metadata map is not shared. Metadata values are
// expected to be scalars.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	c.Metadata = maps.Clone(n.Metadata)
	return &c
}

// NewAlertNotification describes a high-confidence detection.
func NewAlertNotification(a model.Alert) *Notification {
	d := a.Detection
	title := fmt.Sprintf("Alert: %s on %s", a.Class, d.NodeID)
	message := fmt.Sprintf("%s detected by node %s with confidence %.0f%% at %s (%.5f, %.5f)",
		a.Class, d.NodeID, a.Confidence*100, d.Timestamp.UTC().Format(time.RFC3339), d.Latitude, d.Longitude)

	priority := PriorityHigh
	if a.Confidence >= 0.98 {
		priority = PriorityCritical
	}

	return NewNotification(TypeAlert, priority, title, message).
		WithComponent("alerts").
		WithMetadata("detection_id", d.ID).
		WithMetadata("node_id", d.NodeID).
		WithMetadata("class", a.Class).
		WithMetadata("confidence", a.Confidence).
		WithMetadata("detection_count", d.DetectionCount)
}

// NewBlackoutNotification describes a confirmed blackout change.
func NewBlackoutNotification(e model.BlackoutEvent) *Notification {
	if e.IsOpen() {
		msg := fmt.Sprintf("Node %s entered covert mode", e.NodeID)
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
		return NewNotification(TypeBlackout, PriorityMedium, "Blackout activated", msg).
			WithComponent("blackout").
			WithMetadata("node_id", e.NodeID).
			WithMetadata("actor", e.ActivatedBy)
	}
	msg := fmt.Sprintf("Node %s resumed after %s with %d queued detections",
		e.NodeID, e.Duration(time.Time{}).Round(time.Second), e.DetectionsQueued)
	return NewNotification(TypeBlackout, PriorityMedium, "Blackout ended", msg).
		WithComponent("blackout").
		WithMetadata("node_id", e.NodeID).
		WithMetadata("detections_queued", e.DetectionsQueued)
}
