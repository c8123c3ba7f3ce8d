// Package model defines the shared coordination tables and the read models built from them.
package model

// AllModels returns all models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&NodeHeartbeat{},
		&CoordinatorRecord{},
		&MembershipEvent{},
		&RemovedMember{},
	}
}
