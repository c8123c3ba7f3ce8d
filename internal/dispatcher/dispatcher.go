package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/metrics"
)

// DefaultTaskTimeout bounds a task run that does not set its own timeout.
const DefaultTaskTimeout = 30 * time.Second

// Service runs registered tasks while this node holds the coordinator role.
type Service struct {
	leader        LeaderChecker
	checkInterval time.Duration
	log           *logger.Logger
	metrics       *metrics.Registry

	tasks []Task

	// Leadership state
	isLeader   bool
	isLeaderMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a dispatcher that re-checks leadership every
// checkInterval. log and m may be nil.
func NewService(leader LeaderChecker, checkInterval time.Duration, log *logger.Logger, m *metrics.Registry) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		leader:        leader,
		checkInterval: checkInterval,
		log:           log.Named("dispatcher"),
		metrics:       m,
	}
}

// RegisterTask adds a task. Tasks must be registered before Start.
func (d *Service) RegisterTask(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: run func is required", t.Name)
	}
	for _, existing := range d.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("task %s already registered", t.Name)
		}
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTaskTimeout
	}
	d.tasks = append(d.tasks, t)
	return nil
}

// IsLeader returns the leadership state seen at the last check.
func (d *Service) IsLeader() bool {
	d.isLeaderMu.RLock()
	defer d.isLeaderMu.RUnlock()
	return d.isLeader
}

// Start begins the leadership check and one loop per task.
func (d *Service) Start(parentCtx context.Context) {
	d.ctx, d.cancel = context.WithCancel(parentCtx)

	d.log.Info("dispatcher starting", "tasks", len(d.tasks))

	d.wg.Add(1)
	go d.leadershipLoop()

	for _, t := range d.tasks {
		d.wg.Add(1)
		go d.taskLoop(t)
	}
}

// Stop cancels all loops and waits for running tasks to finish.
func (d *Service) Stop() {
	if d.cancel == nil {
		return
	}
	d.log.Info("dispatcher stopping")
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("all dispatcher goroutines stopped")
	case <-time.After(30 * time.Second):
		d.log.Warn("timeout waiting for dispatcher goroutines")
	}
}

func (d *Service) leadershipLoop() {
	defer d.wg.Done()

	d.checkLeadership()

	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.checkLeadership()
		}
	}
}

// checkLeadership refreshes the cached leadership state. On error the node
// stops acting as leader since it cannot confirm it holds the role.
func (d *Service) checkLeadership() {
	leader, err := d.leader.IsLeaderNode(d.ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			d.log.Warn("leadership check failed", "error", err)
		}
		leader = false
	}

	d.isLeaderMu.Lock()
	wasLeader := d.isLeader
	d.isLeader = leader
	d.isLeaderMu.Unlock()

	if leader && !wasLeader {
		d.log.Info("became leader, running maintenance tasks")
	} else if !leader && wasLeader {
		d.log.Info("lost leadership, pausing maintenance tasks")
	}
}

func (d *Service) taskLoop(t Task) {
	defer d.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.IsLeader() {
				d.runTask(t)
			}
		}
	}
}

func (d *Service) runTask(t Task) {
	ctx, cancel := context.WithTimeout(d.ctx, t.Timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.Run(ctx)
	}()
	elapsed := time.Since(start)
	d.metrics.RecordTask(t.Name, elapsed, err)

	if err != nil {
		if d.ctx.Err() == nil {
			d.log.Error("task failed", "task", t.Name, "duration", elapsed, "error", err)
		}
		return
	}
	d.log.Debug("task completed", "task", t.Name, "duration", elapsed)
}
