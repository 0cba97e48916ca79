package store

import (
	"slices"

	"github.com/tphakala/sentinel-console/internal/model"
)

// Snapshot is an immutable view of the store at one version. Readers may hold
// it for as long as they like; writers publish a new one instead of mutating.
//
// Slices returned by the accessors are copies, but the Detection values inside
// share their ObjectDetection slices with the store and must not be modified.
type Snapshot struct {
	// Version increases on every applied change.
	Version uint64
	// DetectionsVersion increases only when the detection set changes.
	DetectionsVersion uint64

	nodes      map[string]model.Node
	nodeIDs    []string // sorted
	detections []model.Detection
	blackouts  []model.BlackoutEvent
	open       map[string]int // node_id -> index into blackouts
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		nodes: map[string]model.Node{},
		open:  map[string]int{},
	}
}

// Node returns the node with the given id.
func (s *Snapshot) Node(nodeID string) (model.Node, bool) {
	n, ok := s.nodes[nodeID]
	return n, ok
}

// Nodes returns all nodes ordered by node_id.
func (s *Snapshot) Nodes() []model.Node {
	out := make([]model.Node, 0, len(s.nodeIDs))
	for _, id := range s.nodeIDs {
		out = append(out, s.nodes[id])
	}
	return out
}

// NodeCount returns the number of known nodes.
func (s *Snapshot) NodeCount() int { return len(s.nodes) }

// Detections returns the retained detections, newest first.
func (s *Snapshot) Detections() []model.Detection {
	return slices.Clone(s.detections)
}

// DetectionCount returns the number of retained detections.
func (s *Snapshot) DetectionCount() int { return len(s.detections) }

// DetectionsForNode returns the node's retained detections, newest first.
func (s *Snapshot) DetectionsForNode(nodeID string) []model.Detection {
	var out []model.Detection
	for i := range s.detections {
		if s.detections[i].NodeID == nodeID {
			out = append(out, s.detections[i])
		}
	}
	return out
}

// OpenBlackout returns the node's active blackout event.
func (s *Snapshot) OpenBlackout(nodeID string) (model.BlackoutEvent, bool) {
	idx, ok := s.open[nodeID]
	if !ok {
		return model.BlackoutEvent{}, false
	}
	return s.blackouts[idx], true
}

// Blackouts returns blackout history in insertion order, filtered by node when
// nodeID is not empty.
func (s *Snapshot) Blackouts(nodeID string) []model.BlackoutEvent {
	if nodeID == "" {
		return slices.Clone(s.blackouts)
	}
	var out []model.BlackoutEvent
	for i := range s.blackouts {
		if s.blackouts[i].NodeID == nodeID {
			out = append(out, s.blackouts[i])
		}
	}
	return out
}

// OpenBlackoutCount returns how many nodes currently have an open event.
func (s *Snapshot) OpenBlackoutCount() int { return len(s.open) }
