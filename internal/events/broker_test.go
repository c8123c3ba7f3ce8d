package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/rdbcoord/internal/model"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(nil, 4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.MemberAdded(model.NodeDetail{NodeID: "n1", GroupID: "g"})
	b.Rejoined("self")

	for _, sub := range []*Subscriber{s1, s2} {
		n := <-sub.Events
		assert.Equal(t, NotificationMemberAdded, n.Type)
		require.NotNil(t, n.Node)
		assert.Equal(t, "n1", n.Node.NodeID)

		n = <-sub.Events
		assert.Equal(t, NotificationRejoined, n.Type)
		assert.Equal(t, "self", n.NodeID)
		assert.Nil(t, n.Node)
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker(nil, 1)
	sub := b.Subscribe()

	b.BecameUnresponsive("a")
	b.BecameUnresponsive("b") // dropped, must not block

	n := <-sub.Events
	assert.Equal(t, "a", n.NodeID)
	assert.Len(t, sub.Events, 0)
}

func TestBrokerUnsubscribeAndClose(t *testing.T) {
	b := NewBroker(nil, 1)
	sub := b.Subscribe()
	other := b.Subscribe()

	b.Unsubscribe(sub)
	<-sub.Done()
	_, open := <-sub.Events
	assert.False(t, open)

	// publishing after unsubscribe is safe
	b.MemberRemoved(model.NodeDetail{NodeID: "x"})

	b.Close()
	<-other.Done()
	assert.Equal(t, 0, b.SubscriberCount())
	other.Close()
}
