package backend

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tphakala/sentinel-console/internal/model"
)

// DetectionQuery filters a detection snapshot. The backend pages by limit and
// offset; Since and MinConfidence are applied to the returned rows.
type DetectionQuery struct {
	Limit         int
	Offset        int
	Since         time.Time
	MinConfidence float64
}

// NodeRegistration is the body of POST /api/nodes/register.
type NodeRegistration struct {
	NodeID   string           `json:"node_id"`
	Status   model.NodeStatus `json:"status,omitempty"`
	Location *model.Location  `json:"location,omitempty"`
}

// BlackoutCommand is the body of the blackout activate and deactivate calls.
type BlackoutCommand struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
	// RequestID correlates the command in backend and console logs.
	RequestID string `json:"request_id,omitempty"`
}

// AckStatus is the backend's answer to a blackout command.
type AckStatus string

const (
	AckActivated     AckStatus = "blackout_activated"
	AckAlreadyActive AckStatus = "already_active"
	AckDeactivated   AckStatus = "blackout_deactivated"
	AckNotActive     AckStatus = "not_active"
)

// Ack is a decoded blackout command response. Event is set when the backend
// returned the resulting BlackoutEvent; the legacy shape only carries Status.
type Ack struct {
	Status                AckStatus
	NodeID                string
	Timestamp             time.Time
	DetectionsTransmitted *int
	Event                 *model.BlackoutEvent
}

// Health is the /health response.
type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"-"`
}

// APIError is a non-2xx backend response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("backend %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// NotFound reports a 404, e.g. an unknown node.
func (e *APIError) NotFound() bool {
	return e.StatusCode == 404
}

// Temporary reports whether retrying later might succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// errorBody matches FastAPI's {"detail": ...}; detail is a string or, for
// validation failures, a list of objects.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

func (b errorBody) text() string {
	if len(b.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Detail, &s); err == nil {
		return s
	}
	return string(b.Detail)
}
