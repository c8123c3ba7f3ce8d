package model

import "fmt"

// MemberEventType identifies a membership change.
type MemberEventType int

const (
	MemberAdded        MemberEventType = 1
	MemberRemoved      MemberEventType = 2
	CoordinatorChanged MemberEventType = 3
)

func (t MemberEventType) String() string {
	switch t {
	case MemberAdded:
		return "MEMBER_ADDED"
	case MemberRemoved:
		return "MEMBER_REMOVED"
	case CoordinatorChanged:
		return "COORDINATOR_CHANGED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Valid reports whether t is a known event type.
func (t MemberEventType) Valid() bool {
	return t >= MemberAdded && t <= CoordinatorChanged
}

// MemberEvent is a membership change read from this node's queue.
type MemberEvent struct {
	Type     MemberEventType `json:"type"`
	MemberID string          `json:"member_id"`
	GroupID  string          `json:"group_id"`
}

// NodeDetail is a snapshot of a node assembled from its heartbeat row and
// the coordinator row. It is never stored.
type NodeDetail struct {
	NodeID        string `json:"node_id"`
	GroupID       string `json:"group_id"`
	IsCoordinator bool   `json:"is_coordinator"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	IsNewNode     bool   `json:"is_new_node"`
}

// Age returns how old the node's heartbeat is at nowMillis.
func (d NodeDetail) Age(nowMillis int64) int64 {
	return nowMillis - d.LastHeartbeat
}
