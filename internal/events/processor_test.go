package events

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/rdbcoord/internal/model"
	"github.com/obot-platform/rdbcoord/internal/store"
)

// fakeBus is an in-memory Bus.
type fakeBus struct {
	mu       sync.Mutex
	queues   map[string][]model.MemberEvent
	nodes    map[string]model.NodeDetail
	removed  map[string]model.NodeDetail // key viewer/member
	readErr  error
	readHang chan struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		queues:  make(map[string][]model.MemberEvent),
		nodes:   make(map[string]model.NodeDetail),
		removed: make(map[string]model.NodeDetail),
	}
}

func (b *fakeBus) StoreMembershipEvent(_ context.Context, changed, groupID string, targets []string, t model.MemberEventType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, target := range targets {
		b.queues[target] = append(b.queues[target], model.MemberEvent{Type: t, MemberID: changed, GroupID: groupID})
	}
	return nil
}

func (b *fakeBus) ReadMembershipEvents(ctx context.Context, nodeID string) ([]model.MemberEvent, error) {
	if b.readHang != nil {
		select {
		case <-b.readHang:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	out := b.queues[nodeID]
	delete(b.queues, nodeID)
	return out, nil
}

func (b *fakeBus) GetNodeData(_ context.Context, nodeID, _ string) (*model.NodeDetail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (b *fakeBus) GetRemovedNodeData(_ context.Context, viewer, _, member string) (*model.NodeDetail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := viewer + "/" + member
	d, ok := b.removed[key]
	if !ok {
		return nil, nil
	}
	delete(b.removed, key)
	return &d, nil
}

// recorder captures callbacks as strings.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) listener() ListenerFuncs {
	return ListenerFuncs{
		OnMemberAdded:        func(d model.NodeDetail) { r.add("added:" + d.NodeID) },
		OnMemberRemoved:      func(d model.NodeDetail) { r.add("removed:" + d.NodeID) },
		OnCoordinatorChanged: func(d model.NodeDetail) { r.add("coordinator:" + d.NodeID) },
		OnBecameUnresponsive: func(id string) { r.add("unresponsive:" + id) },
		OnRejoined:           func(id string) { r.add("rejoined:" + id) },
	}
}

func testProcessor(bus Bus) *Processor {
	return NewProcessor(bus, "self", ProcessorConfig{
		PollInterval:      10 * time.Millisecond,
		MaxDBReadTime:     time.Second,
		UnresponsiveAfter: 50 * time.Millisecond,
	}, nil, nil)
}

func TestDispatchInArrivalOrder(t *testing.T) {
	bus := newFakeBus()
	bus.nodes["b"] = model.NodeDetail{NodeID: "b", GroupID: "g", IsNewNode: true}
	bus.nodes["c"] = model.NodeDetail{NodeID: "c", GroupID: "g", IsCoordinator: true}
	bus.removed["self/a"] = model.NodeDetail{NodeID: "a", GroupID: "g"}

	p := testProcessor(bus)
	rec := &recorder{}
	p.AddListener("g", rec.listener())

	ctx := context.Background()
	require.NoError(t, p.NotifyMembershipEvent(ctx, "a", "g", []string{"self"}, model.MemberRemoved))
	require.NoError(t, p.NotifyMembershipEvent(ctx, "b", "g", []string{"self"}, model.MemberAdded))
	require.NoError(t, p.NotifyMembershipEvent(ctx, "c", "g", []string{"self"}, model.CoordinatorChanged))

	require.NoError(t, p.pollOnce(ctx))
	assert.Equal(t, []string{"removed:a", "added:b", "coordinator:c"}, rec.get())

	// queue was drained
	require.NoError(t, p.pollOnce(ctx))
	assert.Len(t, rec.get(), 3)
}

func TestDispatchFiltersByGroup(t *testing.T) {
	bus := newFakeBus()
	p := testProcessor(bus)

	g1, g2 := &recorder{}, &recorder{}
	p.AddListener("g1", g1.listener())
	p.AddListener("g2", g2.listener())

	ctx := context.Background()
	require.NoError(t, p.NotifyMembershipEvent(ctx, "x", "g2", []string{"self"}, model.MemberAdded))
	require.NoError(t, p.pollOnce(ctx))

	assert.Empty(t, g1.get())
	assert.Equal(t, []string{"added:x"}, g2.get())
}

func TestRemovedListenerIsNotCalled(t *testing.T) {
	bus := newFakeBus()
	p := testProcessor(bus)

	kept, dropped := &recorder{}, &recorder{}
	p.AddListener("g", kept.listener())
	remove := p.AddListener("g", dropped.listener())
	remove()

	ctx := context.Background()
	require.NoError(t, p.NotifyMembershipEvent(ctx, "x", "g", []string{"self"}, model.MemberAdded))
	require.NoError(t, p.pollOnce(ctx))

	assert.Len(t, kept.get(), 1)
	assert.Empty(t, dropped.get())
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	bus := newFakeBus()
	p := testProcessor(bus)

	rec := &recorder{}
	p.AddListener("g", ListenerFuncs{OnMemberAdded: func(model.NodeDetail) { panic("listener bug") }})
	p.AddListener("g", rec.listener())

	ctx := context.Background()
	require.NoError(t, p.NotifyMembershipEvent(ctx, "x", "g", []string{"self"}, model.MemberAdded))
	require.NoError(t, p.pollOnce(ctx))
	assert.Equal(t, []string{"added:x"}, rec.get())
}

func TestResolveFallsBackWhenDetailMissing(t *testing.T) {
	bus := newFakeBus()
	p := testProcessor(bus)

	var got model.NodeDetail
	p.AddListener("g", ListenerFuncs{OnCoordinatorChanged: func(d model.NodeDetail) { got = d }})

	ctx := context.Background()
	require.NoError(t, p.NotifyMembershipEvent(ctx, "gone", "g", []string{"self"}, model.CoordinatorChanged))
	require.NoError(t, p.pollOnce(ctx))

	assert.Equal(t, model.NodeDetail{NodeID: "gone", GroupID: "g", IsCoordinator: true}, got)
}

func TestRemovedDetailClearedWithoutListeners(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "events.db")+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	st := store.New(db, nil)
	ctx := context.Background()
	require.NoError(t, st.InsertRemovedNodeDetails(ctx, model.NodeDetail{NodeID: "a", GroupID: "g"}, []string{"self"}))
	require.NoError(t, st.StoreMembershipEvent(ctx, "a", "g", []string{"self"}, model.MemberRemoved))

	p := testProcessor(st)
	require.NoError(t, p.pollOnce(ctx))

	var rows int64
	require.NoError(t, db.Model(&model.RemovedMember{}).Count(&rows).Error)
	assert.Zero(t, rows, "removed-member rows left after the event was consumed")

	var queued int64
	require.NoError(t, db.Model(&model.MembershipEvent{}).Count(&queued).Error)
	assert.Zero(t, queued)
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	bus := newFakeBus()
	p := testProcessor(bus)
	rec := &recorder{}
	p.AddListener("g", rec.listener())

	bus.queues["self"] = []model.MemberEvent{{Type: 9, MemberID: "x", GroupID: "g"}}
	require.NoError(t, p.pollOnce(context.Background()))
	assert.Empty(t, rec.get())
}

func TestReadFailureIsCoordinationError(t *testing.T) {
	bus := newFakeBus()
	bus.readErr = errors.New("connection refused")
	p := testProcessor(bus)

	err := p.pollOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrCoordination)
	assert.False(t, p.IsMemberUnresponsive(), "a single failure does not latch")
}

func TestReadTimeoutSkipsCycle(t *testing.T) {
	bus := newFakeBus()
	bus.readHang = make(chan struct{})
	defer close(bus.readHang)

	p := NewProcessor(bus, "self", ProcessorConfig{PollInterval: time.Second, MaxDBReadTime: 20 * time.Millisecond}, nil, nil)
	start := time.Now()
	err := p.pollOnce(context.Background())
	assert.ErrorIs(t, err, store.ErrCoordination)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPersistentReadFailureLatchesOnce(t *testing.T) {
	bus := newFakeBus()
	bus.readErr = errors.New("down")
	p := testProcessor(bus)
	rec := &recorder{}
	p.AddListener("g", rec.listener())

	ctx := context.Background()
	_ = p.pollOnce(ctx)
	time.Sleep(80 * time.Millisecond)
	_ = p.pollOnce(ctx)
	_ = p.pollOnce(ctx)

	assert.True(t, p.IsMemberUnresponsive())
	assert.Equal(t, []string{"unresponsive:self"}, rec.get())

	// reads recovering does not clear the latch on their own
	bus.mu.Lock()
	bus.readErr = nil
	bus.mu.Unlock()
	require.NoError(t, p.pollOnce(ctx))
	assert.True(t, p.IsMemberUnresponsive())

	assert.True(t, p.RecoverIfUnresponsive())
	assert.False(t, p.RecoverIfUnresponsive())
	assert.Equal(t, []string{"unresponsive:self", "rejoined:self"}, rec.get())
}

func TestLatchNotifiesOncePerEpisode(t *testing.T) {
	p := testProcessor(newFakeBus())
	rec := &recorder{}
	p.AddListener("g", rec.listener())

	assert.True(t, p.SetMemberUnresponsiveIfNeeded())
	assert.False(t, p.SetMemberUnresponsiveIfNeeded())
	assert.True(t, p.RecoverIfUnresponsive())
	assert.True(t, p.SetMemberUnresponsiveIfNeeded())

	assert.Equal(t, []string{"unresponsive:self", "rejoined:self", "unresponsive:self"}, rec.get())
}

func TestStartStop(t *testing.T) {
	bus := newFakeBus()
	p := testProcessor(bus)

	got := make(chan model.NodeDetail, 1)
	p.AddListener("g", ListenerFuncs{OnMemberAdded: func(d model.NodeDetail) { got <- d }})

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "double start")

	require.NoError(t, p.NotifyMembershipEvent(context.Background(), "x", "g", []string{"self"}, model.MemberAdded))
	select {
	case d := <-got:
		assert.Equal(t, "x", d.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched by the poll loop")
	}

	p.Stop()
	p.Stop()
}
