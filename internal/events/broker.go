// Package events delivers membership changes read from the shared database
// to in-process listeners.
//
// The Processor drains this node's queued events on its own ticker and calls
// the registered MemberEventListeners. The Broker is one such listener that
// re-publishes notifications to channel subscribers (the admin websocket).
package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/model"
)

// NotificationType names a listener callback.
type NotificationType string

const (
	NotificationMemberAdded        NotificationType = "member_added"
	NotificationMemberRemoved      NotificationType = "member_removed"
	NotificationCoordinatorChanged NotificationType = "coordinator_changed"
	NotificationUnresponsive       NotificationType = "became_unresponsive"
	NotificationRejoined           NotificationType = "rejoined"
)

// Notification is a listener callback captured for subscribers.
type Notification struct {
	Type      NotificationType  `json:"type"`
	NodeID    string            `json:"node_id"`
	Node      *model.NodeDetail `json:"node,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Subscriber receives notifications until closed.
type Subscriber struct {
	ID       string
	Events   chan *Notification
	done     chan struct{}
	isClosed bool
	mu       sync.Mutex
}

// Close closes the subscriber's event channel
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isClosed {
		s.isClosed = true
		close(s.done)
		close(s.Events)
	}
}

// Done returns a channel that's closed when the subscriber is closed
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Broker fans listener callbacks out to subscribers. Slow subscribers lose
// notifications rather than block the processor.
type Broker struct {
	log    *logger.Logger
	buffer int

	subscribers   map[string]*Subscriber
	subscribersMu sync.RWMutex
	nextSubID     int
}

var _ MemberEventListener = (*Broker)(nil)

// NewBroker creates a broker whose subscribers buffer up to buffer notifications.
func NewBroker(log *logger.Logger, buffer int) *Broker {
	if log == nil {
		log = logger.Nop()
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &Broker{
		log:         log.Named("broker"),
		buffer:      buffer,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe creates a new subscription.
func (b *Broker) Subscribe() *Subscriber {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	b.nextSubID++
	sub := &Subscriber{
		ID:     "sub-" + strconv.Itoa(b.nextSubID),
		Events: make(chan *Notification, b.buffer),
		done:   make(chan struct{}),
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	delete(b.subscribers, sub.ID)
	sub.Close()
}

// Close closes every subscriber.
func (b *Broker) Close() {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()
	for _, sub := range b.subscribers {
		sub.Close()
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of open subscriptions.
func (b *Broker) SubscriberCount() int {
	b.subscribersMu.RLock()
	defer b.subscribersMu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) MemberAdded(node model.NodeDetail) {
	b.publish(NotificationMemberAdded, node.NodeID, &node)
}

func (b *Broker) MemberRemoved(node model.NodeDetail) {
	b.publish(NotificationMemberRemoved, node.NodeID, &node)
}

func (b *Broker) CoordinatorChanged(node model.NodeDetail) {
	b.publish(NotificationCoordinatorChanged, node.NodeID, &node)
}

func (b *Broker) BecameUnresponsive(nodeID string) {
	b.publish(NotificationUnresponsive, nodeID, nil)
}

func (b *Broker) Rejoined(nodeID string) {
	b.publish(NotificationRejoined, nodeID, nil)
}

func (b *Broker) publish(t NotificationType, nodeID string, node *model.NodeDetail) {
	n := &Notification{Type: t, NodeID: nodeID, Node: node, Timestamp: time.Now()}

	b.subscribersMu.RLock()
	defer b.subscribersMu.RUnlock()

	for _, sub := range b.subscribers {
		sub.mu.Lock()
		if !sub.isClosed {
			select {
			case sub.Events <- n:
			default:
				b.log.Warn("subscriber channel full, dropping notification", "subscriber", sub.ID, "type", t)
			}
		}
		sub.mu.Unlock()
	}
}
