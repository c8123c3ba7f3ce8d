package model

// NodeHeartbeat is one row per live node. LastHeartbeat is unix milliseconds
// taken from the writer's clock.
type NodeHeartbeat struct {
	NodeID        string `gorm:"primaryKey;type:text" json:"node_id"`
	GroupID       string `gorm:"primaryKey;type:text" json:"group_id"`
	LastHeartbeat int64  `gorm:"column:last_heartbeat;not null" json:"last_heartbeat"`
	IsNewNode     bool   `gorm:"column:is_new_node;not null" json:"is_new_node"`
}

// TableName returns the table name for NodeHeartbeat.
func (NodeHeartbeat) TableName() string { return "cluster_node_heartbeats" }

// CoordinatorRecord is the leadership claim for a group. The primary key on
// GroupID is what makes at most one coordinator per group possible.
type CoordinatorRecord struct {
	GroupID       string `gorm:"primaryKey;type:text" json:"group_id"`
	NodeID        string `gorm:"column:node_id;not null;type:text" json:"node_id"`
	LastHeartbeat int64  `gorm:"column:last_heartbeat;not null" json:"last_heartbeat"`
}

// TableName returns the table name for CoordinatorRecord.
func (CoordinatorRecord) TableName() string { return "cluster_coordinators" }

// MembershipEvent is a queued notification addressed to one node.
// ID order is arrival order.
type MembershipEvent struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	TargetNodeID    string `gorm:"column:target_node_id;not null;type:text;index" json:"target_node_id"`
	GroupID         string `gorm:"column:group_id;not null;type:text" json:"group_id"`
	EventType       int    `gorm:"column:event_type;not null" json:"event_type"`
	ChangedMemberID string `gorm:"column:changed_member_id;not null;type:text" json:"changed_member_id"`
	CreatedAt       int64  `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
}

// TableName returns the table name for MembershipEvent.
func (MembershipEvent) TableName() string { return "cluster_membership_events" }

// RemovedMember records, per viewer, that a node was removed so the viewer can
// still describe it after its heartbeat row is gone.
type RemovedMember struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ViewerNodeID    string `gorm:"column:viewer_node_id;not null;type:text;index:idx_removed_viewer_member" json:"viewer_node_id"`
	GroupID         string `gorm:"column:group_id;not null;type:text;index:idx_removed_viewer_member" json:"group_id"`
	RemovedMemberID string `gorm:"column:removed_member_id;not null;type:text;index:idx_removed_viewer_member" json:"removed_member_id"`
	LastHeartbeat   int64  `gorm:"column:last_heartbeat;not null" json:"last_heartbeat"`
}

// TableName returns the table name for RemovedMember.
func (RemovedMember) TableName() string { return "cluster_removed_members" }
