package events

import "github.com/obot-platform/rdbcoord/internal/model"

// MemberEventListener receives membership changes for one group. Callbacks
// run synchronously on the processor goroutine in event-arrival order, so
// they should return quickly.
type MemberEventListener interface {
	MemberAdded(node model.NodeDetail)
	MemberRemoved(node model.NodeDetail)
	CoordinatorChanged(node model.NodeDetail)
	BecameUnresponsive(nodeID string)
	Rejoined(nodeID string)
}

// ListenerFuncs adapts plain functions to MemberEventListener. Nil fields are skipped.
type ListenerFuncs struct {
	OnMemberAdded        func(model.NodeDetail)
	OnMemberRemoved      func(model.NodeDetail)
	OnCoordinatorChanged func(model.NodeDetail)
	OnBecameUnresponsive func(string)
	OnRejoined           func(string)
}

func (f ListenerFuncs) MemberAdded(node model.NodeDetail) {
	if f.OnMemberAdded != nil {
		f.OnMemberAdded(node)
	}
}

func (f ListenerFuncs) MemberRemoved(node model.NodeDetail) {
	if f.OnMemberRemoved != nil {
		f.OnMemberRemoved(node)
	}
}

func (f ListenerFuncs) CoordinatorChanged(node model.NodeDetail) {
	if f.OnCoordinatorChanged != nil {
		f.OnCoordinatorChanged(node)
	}
}

func (f ListenerFuncs) BecameUnresponsive(nodeID string) {
	if f.OnBecameUnresponsive != nil {
		f.OnBecameUnresponsive(nodeID)
	}
}

func (f ListenerFuncs) Rejoined(nodeID string) {
	if f.OnRejoined != nil {
		f.OnRejoined(nodeID)
	}
}
