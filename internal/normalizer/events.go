package normalizer

import "github.com/tphakala/sentinel-console/internal/model"

// Kind discriminates the push message variants.
type Kind string

const (
	KindDetection  Kind = "detection"
	KindNodeStatus Kind = "node_status"
	KindBlackout   Kind = "blackout_event"
)

// Event is a normalized push message. The set of implementations is closed:
// NodeStatusEvent, DetectionEvent and BlackoutEventMsg.
type Event interface {
	Kind() Kind
	sealed()
}

// NodeStatusEvent carries a status (and optionally heartbeat/location) update.
type NodeStatusEvent struct {
	Node model.Node
	// Reported is the raw status string when it differed from Node.Status
	// (e.g. "resuming"), empty otherwise.
	Reported string
}

// DetectionEvent carries one ingested detection.
type DetectionEvent struct {
	Detection model.Detection
}

// BlackoutAction says how a BlackoutEventMsg should be applied.
type BlackoutAction int

const (
	// BlackoutUpsert applies a full event record as-is.
	BlackoutUpsert BlackoutAction = iota
	// BlackoutActivated opens a blackout for the node.
	BlackoutActivated
	// BlackoutDeactivated closes the node's open blackout.
	BlackoutDeactivated
)

func (a BlackoutAction) String() string {
	switch a {
	case BlackoutActivated:
		return "activated"
	case BlackoutDeactivated:
		return "deactivated"
	default:
		return "upsert"
	}
}

// BlackoutEventMsg carries a blackout lifecycle update.
type BlackoutEventMsg struct {
	Event  model.BlackoutEvent
	Action BlackoutAction
	// DetectionsTransmitted is reported by the backend when a blackout closes.
	DetectionsTransmitted *int
}

func (NodeStatusEvent) Kind() Kind  { return KindNodeStatus }
func (DetectionEvent) Kind() Kind   { return KindDetection }
func (BlackoutEventMsg) Kind() Kind { return KindBlackout }

func (NodeStatusEvent) sealed()  {}
func (DetectionEvent) sealed()   {}
func (BlackoutEventMsg) sealed() {}

// Report lists the corrections applied while normalizing one message.
type Report struct {
	Corrections []string
}

// Corrected reports whether any field had to be fixed up.
func (r Report) Corrected() bool {
	return len(r.Corrections) > 0
}

func (r *Report) add(correction string) {
	r.Corrections = append(r.Corrections, correction)
}
