// Package dispatcher runs periodic maintenance tasks on the group coordinator only.
package dispatcher

import (
	"context"
	"time"
)

// Task is a periodic job run only while this node is the coordinator.
type Task struct {
	// Name identifies the task in logs and metrics.
	Name string
	// Interval between runs.
	Interval time.Duration
	// Timeout bounds a single run. Zero means DefaultTaskTimeout.
	Timeout time.Duration
	// Run performs the work.
	Run func(ctx context.Context) error
}

// LeaderChecker reports whether this node currently coordinates its group.
type LeaderChecker interface {
	IsLeaderNode(ctx context.Context) (bool, error)
}
