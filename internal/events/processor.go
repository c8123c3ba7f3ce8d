package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/rdbcoord/internal/config"
	"github.com/obot-platform/rdbcoord/internal/deadline"
	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/metrics"
	"github.com/obot-platform/rdbcoord/internal/model"
	"github.com/obot-platform/rdbcoord/internal/store"
)

// Bus is the part of the communication bus the processor needs.
type Bus interface {
	StoreMembershipEvent(ctx context.Context, changedMember, groupID string, targets []string, eventType model.MemberEventType) error
	ReadMembershipEvents(ctx context.Context, nodeID string) ([]model.MemberEvent, error)
	GetNodeData(ctx context.Context, nodeID, groupID string) (*model.NodeDetail, error)
	GetRemovedNodeData(ctx context.Context, viewerID, groupID, removedMemberID string) (*model.NodeDetail, error)
}

// ProcessorConfig contains configuration for the event processor.
type ProcessorConfig struct {
	// PollInterval is how often this node's event queue is drained.
	PollInterval time.Duration
	// MaxDBReadTime bounds each database call.
	MaxDBReadTime time.Duration
	// UnresponsiveAfter is how long reads may keep failing before the node
	// considers itself unresponsive.
	UnresponsiveAfter time.Duration
}

// ProcessorConfigFrom derives the processor settings from the cluster config.
func ProcessorConfigFrom(c config.ClusterConfig) ProcessorConfig {
	return ProcessorConfig{
		PollInterval:      c.EventPollInterval,
		MaxDBReadTime:     c.MaxDBReadTime(),
		UnresponsiveAfter: c.HeartbeatWarningMargin(),
	}
}

type registration struct {
	id       int
	groupID  string
	listener MemberEventListener
}

// Processor drains this node's membership event queue and dispatches each
// event to the listeners registered for its group. It also owns the
// unresponsiveness latch shared with the election loop.
type Processor struct {
	bus     Bus
	nodeID  string
	config  ProcessorConfig
	log     *logger.Logger
	metrics *metrics.Registry

	listeners      []registration
	listenersMu    sync.RWMutex
	nextListenerID int

	unresponsive   bool
	unresponsiveMu sync.Mutex
	failingSince   time.Time

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewProcessor creates a processor for nodeID's queue. m may be nil.
func NewProcessor(bus Bus, nodeID string, cfg ProcessorConfig, log *logger.Logger, m *metrics.Registry) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		bus:     bus,
		nodeID:  nodeID,
		config:  cfg,
		log:     log.Named("events").With("node", nodeID),
		metrics: m,
	}
}

// AddListener registers l for events of groupID. The returned func
// unregisters it.
func (p *Processor) AddListener(groupID string, l MemberEventListener) (remove func()) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.nextListenerID++
	id := p.nextListenerID
	p.listeners = append(p.listeners, registration{id: id, groupID: groupID, listener: l})

	return func() {
		p.listenersMu.Lock()
		defer p.listenersMu.Unlock()
		for i, r := range p.listeners {
			if r.id == id {
				p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// Start begins polling. It is an error to start a running processor.
func (p *Processor) Start(parentCtx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return fmt.Errorf("event processor for %s already running", p.nodeID)
	}

	p.ctx, p.cancel = context.WithCancel(parentCtx)
	p.running = true

	p.log.Info("event processor starting", "interval", p.config.PollInterval)

	p.wg.Add(1)
	go p.pollLoop()
	return nil
}

// Stop cancels polling and waits (bounded) for the loop to exit.
func (p *Processor) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("event processor stopped")
	case <-time.After(5 * time.Second):
		p.log.Warn("timeout waiting for event processor to stop")
	}
}

func (p *Processor) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(p.ctx); err != nil && p.ctx.Err() == nil {
				p.log.Warn("skipping membership event cycle", "error", err)
			}
		}
	}
}

// pollOnce reads and clears this node's queue, then dispatches every event.
func (p *Processor) pollOnce(ctx context.Context) error {
	events, err := deadline.Call(ctx, p.config.MaxDBReadTime, func(ctx context.Context) ([]model.MemberEvent, error) {
		return p.bus.ReadMembershipEvents(ctx, p.nodeID)
	})
	if err != nil {
		if errors.Is(err, deadline.ErrTimeout) {
			p.metrics.RecordDBTimeout()
		}
		p.readFailed()
		return store.NewCoordinationError("read membership events", err)
	}
	p.failingSince = time.Time{}

	for _, ev := range events {
		p.metrics.RecordMembershipEvent(ev.Type.String(), "received", 1)
		p.dispatch(ctx, ev)
	}
	return nil
}

// readFailed latches the node unresponsive once reads have failed for longer
// than the configured allowance.
func (p *Processor) readFailed() {
	now := time.Now()
	if p.failingSince.IsZero() {
		p.failingSince = now
		return
	}
	if p.config.UnresponsiveAfter > 0 && now.Sub(p.failingSince) > p.config.UnresponsiveAfter {
		p.SetMemberUnresponsiveIfNeeded()
	}
}

func (p *Processor) dispatch(ctx context.Context, ev model.MemberEvent) {
	if !ev.Type.Valid() {
		p.log.Warn("ignoring unknown membership event", "type", int(ev.Type), "member", ev.MemberID)
		return
	}

	targets := p.listenersFor(ev.GroupID)

	// Reading a removed member's detail also deletes this node's copy,
	// so it runs even when nobody is listening.
	if len(targets) == 0 && ev.Type != model.MemberRemoved {
		return
	}
	node := p.resolve(ctx, ev)
	if len(targets) == 0 {
		return
	}
	p.log.Debug("dispatching membership event", "type", ev.Type, "member", ev.MemberID, "listeners", len(targets))

	for _, l := range targets {
		p.invoke(ev.Type.String(), func() {
			switch ev.Type {
			case model.MemberAdded:
				l.MemberAdded(node)
			case model.MemberRemoved:
				l.MemberRemoved(node)
			case model.CoordinatorChanged:
				l.CoordinatorChanged(node)
			}
		})
	}
}

// resolve builds the NodeDetail for an event. The event row is already
// deleted, so a failed lookup still dispatches with what the event carries.
func (p *Processor) resolve(ctx context.Context, ev model.MemberEvent) model.NodeDetail {
	fallback := model.NodeDetail{
		NodeID:        ev.MemberID,
		GroupID:       ev.GroupID,
		IsCoordinator: ev.Type == model.CoordinatorChanged,
	}

	detail, err := deadline.Call(ctx, p.config.MaxDBReadTime, func(ctx context.Context) (*model.NodeDetail, error) {
		if ev.Type == model.MemberRemoved {
			return p.bus.GetRemovedNodeData(ctx, p.nodeID, ev.GroupID, ev.MemberID)
		}
		return p.bus.GetNodeData(ctx, ev.MemberID, ev.GroupID)
	})
	if err != nil {
		p.log.Warn("could not resolve member detail", "type", ev.Type, "member", ev.MemberID, "error", err)
		return fallback
	}
	if detail == nil {
		p.log.Debug("member detail no longer present", "type", ev.Type, "member", ev.MemberID)
		return fallback
	}
	return *detail
}

func (p *Processor) listenersFor(groupID string) []MemberEventListener {
	p.listenersMu.RLock()
	defer p.listenersMu.RUnlock()
	var out []MemberEventListener
	for _, r := range p.listeners {
		if r.groupID == groupID {
			out = append(out, r.listener)
		}
	}
	return out
}

func (p *Processor) allListeners() []MemberEventListener {
	p.listenersMu.RLock()
	defer p.listenersMu.RUnlock()
	out := make([]MemberEventListener, 0, len(p.listeners))
	for _, r := range p.listeners {
		out = append(out, r.listener)
	}
	return out
}

// invoke runs one listener callback. A panicking listener is logged and
// does not affect the others.
func (p *Processor) invoke(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("membership listener panicked", "callback", what, "panic", r)
		}
	}()
	fn()
}

// NotifyMembershipEvent queues an event for every target node.
func (p *Processor) NotifyMembershipEvent(ctx context.Context, changedMember, groupID string, targets []string, eventType model.MemberEventType) error {
	if err := p.bus.StoreMembershipEvent(ctx, changedMember, groupID, targets, eventType); err != nil {
		return err
	}
	p.metrics.RecordMembershipEvent(eventType.String(), "sent", len(targets))
	return nil
}

// SetMemberUnresponsiveIfNeeded latches this node as unresponsive. Listeners
// are told once per episode; it reports whether this call set the latch.
func (p *Processor) SetMemberUnresponsiveIfNeeded() bool {
	p.unresponsiveMu.Lock()
	if p.unresponsive {
		p.unresponsiveMu.Unlock()
		return false
	}
	p.unresponsive = true
	p.unresponsiveMu.Unlock()

	p.metrics.SetUnresponsive(true)
	p.log.Warn("node became unresponsive")
	for _, l := range p.allListeners() {
		p.invoke("BecameUnresponsive", func() { l.BecameUnresponsive(p.nodeID) })
	}
	return true
}

// RecoverIfUnresponsive clears the latch and tells listeners the node has
// rejoined. It reports whether the latch was set.
func (p *Processor) RecoverIfUnresponsive() bool {
	p.unresponsiveMu.Lock()
	if !p.unresponsive {
		p.unresponsiveMu.Unlock()
		return false
	}
	p.unresponsive = false
	p.unresponsiveMu.Unlock()

	p.metrics.SetUnresponsive(false)
	p.log.Info("node rejoined after being unresponsive")
	for _, l := range p.allListeners() {
		p.invoke("Rejoined", func() { l.Rejoined(p.nodeID) })
	}
	return true
}

// IsMemberUnresponsive reports the latch state.
func (p *Processor) IsMemberUnresponsive() bool {
	p.unresponsiveMu.Lock()
	defer p.unresponsiveMu.Unlock()
	return p.unresponsive
}
