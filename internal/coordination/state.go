package coordination

import (
	"context"
	"time"

	"github.com/obot-platform/rdbcoord/internal/events"
	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/metrics"
	"github.com/obot-platform/rdbcoord/internal/model"
)

// NodeState is the role a node plays in its group.
type NodeState int

const (
	StateMember NodeState = iota
	StateCoordinator
)

func (s NodeState) String() string {
	if s == StateCoordinator {
		return "coordinator"
	}
	return "member"
}

// CoordinationStrategy is what the surrounding system uses to take part in a group.
type CoordinationStrategy interface {
	JoinGroup(ctx context.Context) error
	IsLeaderNode(ctx context.Context) (bool, error)
	GetLeaderNode(ctx context.Context) (*model.NodeDetail, error)
	GetAllNodeDetails(ctx context.Context) ([]model.NodeDetail, error)
	RegisterEventListener(l events.MemberEventListener) (unregister func())
}

// Bus is every communication bus operation the strategy uses.
type Bus interface {
	events.Bus

	ClearMembershipEvents(ctx context.Context, nodeID string) error
	CreateCoordinatorEntry(ctx context.Context, nodeID, groupID string, now time.Time) (bool, error)
	CheckIfCoordinatorValid(ctx context.Context, groupID, nodeID string, maxAge time.Duration, now time.Time) (bool, error)
	UpdateCoordinatorHeartbeat(ctx context.Context, nodeID, groupID string, now time.Time) (bool, error)
	RemoveCoordinator(ctx context.Context, groupID string, maxAge time.Duration, now time.Time) (bool, error)
	RemoveCoordinatorEntry(ctx context.Context, nodeID, groupID string) error
	UpdateNodeHeartbeat(ctx context.Context, nodeID, groupID string, now time.Time) (bool, error)
	CreateNodeHeartbeatEntry(ctx context.Context, nodeID, groupID string, now time.Time) error
	GetAllNodeData(ctx context.Context, groupID string) ([]model.NodeDetail, error)
	RemoveNode(ctx context.Context, nodeID, groupID string) error
	MarkNodeAsNotNew(ctx context.Context, nodeID, groupID string) error
	InsertRemovedNodeDetails(ctx context.Context, removed model.NodeDetail, viewers []string) error
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithResumeAsCoordinator starts the loop in the coordinator state, for a
// node that restarts its loop while it still holds the coordinator row.
func WithResumeAsCoordinator() Option {
	return func(s *Strategy) { s.state = StateCoordinator }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Strategy) { s.log = l }
}

// WithMetrics records loop activity in m.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Strategy) { s.metrics = m }
}

// WithClock replaces the clock used for heartbeat timestamps and liveness.
func WithClock(now func() time.Time) Option {
	return func(s *Strategy) { s.now = now }
}

// WithJoinRetryInterval changes the wait between failed join attempts.
func WithJoinRetryInterval(d time.Duration) Option {
	return func(s *Strategy) { s.joinRetryInterval = d }
}
