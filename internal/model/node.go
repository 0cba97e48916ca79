// Package model defines the entities shared by the sync engine: nodes,
// detections, blackout events and derived alerts.
package model

import "time"

// NodeStatus is the reported state of an edge node.
type NodeStatus string

const (
	StatusOnline  NodeStatus = "online"
	StatusOffline NodeStatus = "offline"
	StatusCovert  NodeStatus = "covert"
)

// Valid reports whether s is one of the known statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusCovert:
		return true
	default:
		return false
	}
}

// Location is a WGS84 position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Node is an edge sensing unit. At most one record exists per NodeID.
type Node struct {
	NodeID        string     `json:"node_id"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Location      *Location  `json:"location,omitempty"`

	// Key is the backend's integer primary key, 0 when the source had none.
	Key int64 `json:"-"`
}

// HeartbeatAfter reports whether n carries a heartbeat newer than other's.
// A missing heartbeat is older than any present one.
func (n *Node) HeartbeatAfter(other *Node) bool {
	switch {
	case n.LastHeartbeat == nil:
		return false
	case other.LastHeartbeat == nil:
		return true
	default:
		return n.LastHeartbeat.After(*other.LastHeartbeat)
	}
}
