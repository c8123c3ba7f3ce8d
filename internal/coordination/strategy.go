// Package coordination runs leader election and membership tracking for one
// node against the shared cluster tables.
//
// Each node runs a single loop. As a MEMBER it keeps its heartbeat fresh and
// takes over when the coordinator's heartbeat expires. As the COORDINATOR it
// also detects nodes that joined or stopped heartbeating and queues
// membership events for every live node.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/rdbcoord/internal/config"
	"github.com/obot-platform/rdbcoord/internal/deadline"
	"github.com/obot-platform/rdbcoord/internal/events"
	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/metrics"
	"github.com/obot-platform/rdbcoord/internal/model"
	"github.com/obot-platform/rdbcoord/internal/store"
)

const (
	defaultJoinRetryInterval = 5 * time.Second
	minSleep                 = 5 * time.Millisecond
	stopTimeout              = 10 * time.Second
)

// Strategy is the RDBMS-backed CoordinationStrategy.
type Strategy struct {
	cfg       config.ClusterConfig
	nodeID    string
	groupID   string
	bus       Bus
	processor *events.Processor
	log       *logger.Logger
	metrics   *metrics.Registry
	now       func() time.Time

	joinRetryInterval time.Duration

	state     NodeState
	prevState NodeState
	stateMu   sync.RWMutex

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

var _ CoordinationStrategy = (*Strategy)(nil)

// New creates a strategy for the node and group named in cfg.
func New(bus Bus, cfg config.ClusterConfig, opts ...Option) *Strategy {
	s := &Strategy{
		cfg:               cfg,
		nodeID:            cfg.NodeID,
		groupID:           cfg.GroupID,
		bus:               bus,
		now:               time.Now,
		joinRetryInterval: defaultJoinRetryInterval,
		state:             StateMember,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.prevState = s.state
	s.processor = events.NewProcessor(bus, s.nodeID, events.ProcessorConfigFrom(cfg), s.log, s.metrics)
	s.log = s.log.Named("coordination").With("node", s.nodeID, "group", s.groupID)
	return s
}

// NodeID returns this node's id.
func (s *Strategy) NodeID() string { return s.nodeID }

// GroupID returns the group this node belongs to.
func (s *Strategy) GroupID() string { return s.groupID }

// IsUnresponsive reports whether the node is currently latched unresponsive.
func (s *Strategy) IsUnresponsive() bool { return s.processor.IsMemberUnresponsive() }

// Role returns the local view of this node's state.
func (s *Strategy) Role() NodeState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Strategy) setState(state NodeState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
	s.metrics.SetRole(state.String())
}

// JoinGroup clears events left over from an earlier run of this node and
// starts the election loop and the event processor. A failure is retried
// every five seconds until it succeeds or ctx is done. Joining a group the
// node is already running in is a no-op.
func (s *Strategy) JoinGroup(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	for {
		err := deadline.Do(ctx, s.cfg.MaxDBReadTime(), func(ctx context.Context) error {
			return s.bus.ClearMembershipEvents(ctx, s.nodeID)
		})
		if err == nil {
			break
		}
		s.log.Error("could not join the cluster, will retry", "retry_in", s.joinRetryInterval, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.joinRetryInterval):
		}
	}

	// The loop outlives the join call; Stop or LeaveGroup ends it.
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := s.processor.Start(s.ctx); err != nil {
		s.cancel()
		return fmt.Errorf("start event processor: %w", err)
	}
	s.running = true
	s.metrics.SetRole(s.Role().String())

	s.wg.Add(1)
	go s.run()

	s.log.Info("successfully joined the cluster",
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"max_retry", s.cfg.HeartbeatMaxRetry,
	)
	return nil
}

// Stop ends the election loop and the event processor. The node's rows are
// left in place and expire on their own.
func (s *Strategy) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.processor.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("coordination loop stopped")
	case <-time.After(stopTimeout):
		s.log.Warn("timeout waiting for coordination loop to stop")
	}
}

// LeaveGroup stops this node and removes it from the group right away
// instead of waiting for its heartbeat to expire. Remaining nodes receive
// MEMBER_REMOVED, and the coordinator row is released if this node held it.
func (s *Strategy) LeaveGroup(ctx context.Context) error {
	s.Stop()

	nodes, err := s.bus.GetAllNodeData(ctx, s.groupID)
	if err != nil {
		return err
	}
	var self *model.NodeDetail
	var others []string
	threshold := s.cfg.HeartbeatMaxRetryInterval().Milliseconds()
	now := s.now().UnixMilli()
	for i := range nodes {
		n := nodes[i]
		if n.NodeID == s.nodeID {
			self = &n
			continue
		}
		if n.Age(now) < threshold {
			others = append(others, n.NodeID)
		}
	}

	if self != nil {
		if err := s.bus.RemoveNode(ctx, s.nodeID, s.groupID); err != nil {
			return err
		}
		if err := s.bus.InsertRemovedNodeDetails(ctx, *self, others); err != nil {
			return err
		}
		if err := s.processor.NotifyMembershipEvent(ctx, s.nodeID, s.groupID, others, model.MemberRemoved); err != nil {
			return err
		}
	}
	if err := s.bus.RemoveCoordinatorEntry(ctx, s.nodeID, s.groupID); err != nil {
		return err
	}

	s.setState(StateMember)
	s.log.Info("left the cluster", "notified", len(others))
	return nil
}

// RegisterEventListener subscribes l to membership changes of this node's group.
func (s *Strategy) RegisterEventListener(l events.MemberEventListener) (unregister func()) {
	return s.processor.AddListener(s.groupID, l)
}

// IsLeaderNode reports whether the database currently records this node as coordinator.
func (s *Strategy) IsLeaderNode(ctx context.Context) (bool, error) {
	detail, err := s.bus.GetNodeData(ctx, s.nodeID, s.groupID)
	if err != nil {
		return false, err
	}
	return detail != nil && detail.IsCoordinator, nil
}

// GetLeaderNode returns the coordinator's detail, or nil if the group has none.
func (s *Strategy) GetLeaderNode(ctx context.Context) (*model.NodeDetail, error) {
	nodes, err := s.bus.GetAllNodeData(ctx, s.groupID)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].IsCoordinator {
			return &nodes[i], nil
		}
	}
	return nil, nil
}

// GetAllNodeDetails returns the live nodes of the group as seen by this node's clock.
func (s *Strategy) GetAllNodeDetails(ctx context.Context) ([]model.NodeDetail, error) {
	nodes, err := s.bus.GetAllNodeData(ctx, s.groupID)
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	threshold := s.cfg.HeartbeatMaxRetryInterval().Milliseconds()
	live := make([]model.NodeDetail, 0, len(nodes))
	for _, n := range nodes {
		if n.Age(now) < threshold {
			live = append(live, n)
		}
	}
	return live, nil
}

// IsDuplicatedNode reports whether a live heartbeat row already exists for
// this node id, i.e. another process is running with the same id. A row
// left by a crashed run of this node is not a duplicate once it expires.
func (s *Strategy) IsDuplicatedNode(ctx context.Context) (bool, error) {
	detail, err := s.bus.GetNodeData(ctx, s.nodeID, s.groupID)
	if err != nil || detail == nil {
		return false, err
	}
	return detail.Age(s.now().UnixMilli()) < s.cfg.HeartbeatMaxRetryInterval().Milliseconds(), nil
}

// run is the election loop. Iterations start HeartbeatInterval apart; a
// failed iteration drops the node to MEMBER and backs off so other nodes can
// take over before it competes again.
func (s *Strategy) run() {
	defer s.wg.Done()

	var lastStart time.Time
	for s.ctx.Err() == nil {
		start := time.Now()
		err := s.runIteration(s.ctx)
		end := time.Now()
		s.metrics.ObserveIteration(end.Sub(start))

		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Error("error performing coordinator tasks",
				"error", err,
				"backoff", s.cfg.InactiveIntervalAfterUnresponsive(),
			)
			lastStart = time.Time{}
			if !s.sleep(s.cfg.InactiveIntervalAfterUnresponsive()) {
				return
			}
			continue
		}

		if !lastStart.IsZero() && end.Sub(lastStart.Add(s.cfg.HeartbeatInterval)) >= s.cfg.HeartbeatWarningMargin() {
			s.log.Warn("heartbeat is running late, increase the heartbeat interval or the retry count",
				"heartbeat_interval", s.cfg.HeartbeatInterval,
				"max_retry", s.cfg.HeartbeatMaxRetry,
				"since_last", start.Sub(lastStart),
				"took", end.Sub(start),
			)
		}
		lastStart = start

		if remaining := start.Add(s.cfg.HeartbeatInterval).Sub(end); remaining > minSleep {
			if !s.sleep(remaining) {
				return
			}
		}
	}
}

func (s *Strategy) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runIteration performs one heartbeat for the current state. Any error or
// panic leaves the node in the MEMBER state.
func (s *Strategy) runIteration(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in coordination iteration: %v", r)
		}
		if err != nil {
			s.setState(StateMember)
		}
	}()

	s.stateMu.Lock()
	current, previous := s.state, s.prevState
	s.prevState = current
	s.stateMu.Unlock()
	if current != previous {
		s.log.Info("node state changed", "from", previous, "to", current)
	}

	now := s.now()
	switch current {
	case StateCoordinator:
		err = s.performCoordinatorTask(ctx, now)
	default:
		err = s.performMemberTask(ctx, now)
	}
	if err != nil {
		return err
	}

	if s.processor.IsMemberUnresponsive() {
		s.log.Info("initiating unresponsive member recovery")
		s.processor.RecoverIfUnresponsive()
	}
	return nil
}

func (s *Strategy) performMemberTask(ctx context.Context, now time.Time) error {
	if err := s.updateNodeHeartbeat(ctx, now); err != nil {
		return err
	}

	maxAge := s.cfg.HeartbeatMaxRetryInterval()
	valid, err := call(s, ctx, "check coordinator validity", func(ctx context.Context) (bool, error) {
		return s.bus.CheckIfCoordinatorValid(ctx, s.groupID, s.nodeID, maxAge, now)
	})
	if err != nil || valid {
		return err
	}

	removed, err := call(s, ctx, "remove coordinator", func(ctx context.Context) (bool, error) {
		return s.bus.RemoveCoordinator(ctx, s.groupID, maxAge, now)
	})
	if err != nil {
		return err
	}
	if removed {
		s.log.Info("removed expired coordinator")
	}
	return s.performElectionTask(ctx, now)
}

func (s *Strategy) performCoordinatorTask(ctx context.Context, now time.Time) error {
	stillCoordinator, err := call(s, ctx, "update coordinator heartbeat", func(ctx context.Context) (bool, error) {
		return s.bus.UpdateCoordinatorHeartbeat(ctx, s.nodeID, s.groupID, now)
	})
	s.metrics.RecordHeartbeat("coordinator", err == nil && stillCoordinator)
	if err != nil {
		return err
	}
	if !stillCoordinator {
		s.log.Info("this node is no longer the coordinator")
		return s.performElectionTask(ctx, now)
	}

	if err := s.updateNodeHeartbeat(ctx, now); err != nil {
		return err
	}
	nodes, err := call(s, ctx, "get all node data", func(ctx context.Context) ([]model.NodeDetail, error) {
		return s.bus.GetAllNodeData(ctx, s.groupID)
	})
	if err != nil {
		return err
	}
	_, err = s.findAddedRemovedMembers(ctx, nodes, now)
	return err
}

// updateNodeHeartbeat refreshes this node's row, recreating it if the
// coordinator removed it.
func (s *Strategy) updateNodeHeartbeat(ctx context.Context, now time.Time) error {
	err := do(s, ctx, "update node heartbeat", func(ctx context.Context) error {
		exists, err := s.bus.UpdateNodeHeartbeat(ctx, s.nodeID, s.groupID, now)
		if err != nil || exists {
			return err
		}
		return s.bus.CreateNodeHeartbeatEntry(ctx, s.nodeID, s.groupID, now)
	})
	s.metrics.RecordHeartbeat("node", err == nil)
	return err
}

func (s *Strategy) performElectionTask(ctx context.Context, now time.Time) error {
	state, err := s.tryToElectSelfAsCoordinator(ctx, now)
	if err != nil {
		return err
	}
	s.setState(state)
	return nil
}

func (s *Strategy) tryToElectSelfAsCoordinator(ctx context.Context, now time.Time) (NodeState, error) {
	elected, err := call(s, ctx, "create coordinator entry", func(ctx context.Context) (bool, error) {
		return s.bus.CreateCoordinatorEntry(ctx, s.nodeID, s.groupID, now)
	})
	if err != nil {
		s.metrics.RecordElection("error")
		return StateMember, err
	}
	if !elected {
		s.metrics.RecordElection("lost")
		s.log.Debug("election resulted in this node remaining a member")
		return StateMember, nil
	}

	s.metrics.RecordElection("won")
	s.log.Info("elected this node as the coordinator")

	nodes, err := call(s, ctx, "get all node data", func(ctx context.Context) ([]model.NodeDetail, error) {
		return s.bus.GetAllNodeData(ctx, s.groupID)
	})
	if err != nil {
		return StateMember, err
	}
	active, err := s.findAddedRemovedMembers(ctx, nodes, now)
	if err != nil {
		return StateMember, err
	}

	err = do(s, ctx, "notify coordinator change", func(ctx context.Context) error {
		return s.processor.NotifyMembershipEvent(ctx, s.nodeID, s.groupID, active, model.CoordinatorChanged)
	})
	if err != nil {
		return StateMember, err
	}
	return StateCoordinator, nil
}

// findAddedRemovedMembers removes nodes whose heartbeat expired, clears the
// new flag of nodes that joined, and queues MEMBER_ADDED / MEMBER_REMOVED
// for every remaining live node. It returns the ids of the live nodes.
func (s *Strategy) findAddedRemovedMembers(ctx context.Context, nodes []model.NodeDetail, now time.Time) ([]string, error) {
	threshold := s.cfg.HeartbeatMaxRetryInterval().Milliseconds()
	nowMillis := now.UnixMilli()

	var (
		active  []string
		added   []string
		removed []model.NodeDetail
	)
	for _, n := range nodes {
		if n.Age(nowMillis) >= threshold {
			removed = append(removed, n)
			err := do(s, ctx, "remove node "+n.NodeID, func(ctx context.Context) error {
				return s.bus.RemoveNode(ctx, n.NodeID, s.groupID)
			})
			if err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, n.NodeID)
		if n.IsNewNode {
			added = append(added, n.NodeID)
			err := do(s, ctx, "mark node as not new "+n.NodeID, func(ctx context.Context) error {
				return s.bus.MarkNodeAsNotNew(ctx, n.NodeID, s.groupID)
			})
			if err != nil {
				return nil, err
			}
		}
	}

	for _, id := range added {
		s.log.Debug("member added", "member", id)
		err := do(s, ctx, "notify member added "+id, func(ctx context.Context) error {
			return s.processor.NotifyMembershipEvent(ctx, id, s.groupID, active, model.MemberAdded)
		})
		if err != nil {
			return nil, err
		}
	}

	for _, n := range removed {
		err := do(s, ctx, "insert removed node details "+n.NodeID, func(ctx context.Context) error {
			return s.bus.InsertRemovedNodeDetails(ctx, n, active)
		})
		if err != nil {
			return nil, err
		}
	}
	for _, n := range removed {
		s.log.Info("member removed", "member", n.NodeID, "age_ms", n.Age(nowMillis))
		err := do(s, ctx, "notify member removed "+n.NodeID, func(ctx context.Context) error {
			return s.processor.NotifyMembershipEvent(ctx, n.NodeID, s.groupID, active, model.MemberRemoved)
		})
		if err != nil {
			return nil, err
		}
	}

	s.metrics.RecordMembershipChange(len(added), len(removed))
	s.metrics.SetClusterNodes(len(active))
	return active, nil
}

// handleDatabaseDelay marks the node unresponsive after a failed or timed
// out database call.
func (s *Strategy) handleDatabaseDelay(what string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Warn("database call failed, pausing coordination tasks",
		"operation", what,
		"error", err,
		"pause", s.cfg.InactiveIntervalAfterUnresponsive(),
	)
	s.processor.SetMemberUnresponsiveIfNeeded()
}

// call runs one bus operation bounded by MaxDBReadTime. Failures come back
// as a *store.CoordinationError and mark the node unresponsive.
func call[T any](s *Strategy, ctx context.Context, what string, fn func(context.Context) (T, error)) (T, error) {
	v, err := deadline.Call(ctx, s.cfg.MaxDBReadTime(), fn)
	if err != nil {
		if errors.Is(err, deadline.ErrTimeout) {
			s.metrics.RecordDBTimeout()
		}
		err = store.NewCoordinationError(what, err)
		s.handleDatabaseDelay(what, err)
	}
	return v, err
}

func do(s *Strategy, ctx context.Context, what string, fn func(context.Context) error) error {
	_, err := call(s, ctx, what, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
