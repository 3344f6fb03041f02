package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/labfleet/pkg/types"
)

func event(eventType, workerID string) *types.Event {
	return &types.Event{
		Type:   eventType,
		Source: "domain.worker",
		Time:   time.Now().UTC(),
		Data:   map[string]any{"worker_id": workerID},
	}
}

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		event  *types.Event
		want   bool
	}{
		{"nil filter matches all", Filter{}, event("worker.paused", "w1"), true},
		{"worker id match", Filter{WorkerIDs: []string{"w1"}}, event("worker.paused", "w1"), true},
		{"worker id mismatch", Filter{WorkerIDs: []string{"w2"}}, event("worker.paused", "w1"), false},
		{"event type match", Filter{EventTypes: []string{"worker.paused"}}, event("worker.paused", "w1"), true},
		{"event type mismatch", Filter{EventTypes: []string{"worker.resumed"}}, event("worker.paused", "w1"), false},
		{
			"both must match",
			Filter{WorkerIDs: []string{"w1"}, EventTypes: []string{"worker.resumed"}},
			event("worker.paused", "w1"),
			false,
		},
		{
			"empty non-nil worker list matches nothing",
			Filter{WorkerIDs: []string{}},
			event("worker.paused", "w1"),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.event))
		})
	}
}

func TestBroadcastDeliversToMatchingSubscribers(t *testing.T) {
	b := NewBroker()
	all := b.Subscribe(Filter{})
	onlyW2 := b.Subscribe(Filter{WorkerIDs: []string{"w2"}})
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(onlyW2)

	b.Broadcast(event("worker.status.updated", "w1"))

	select {
	case e := <-all.Chan():
		assert.Equal(t, "worker.status.updated", e.Type)
	case <-time.After(time.Second):
		t.Fatal("unfiltered subscriber received nothing")
	}
	select {
	case e := <-onlyW2.Chan():
		t.Fatalf("filtered subscriber received %v", e)
	default:
	}
}

func TestFullQueueDoesNotBlockOtherSubscribers(t *testing.T) {
	b := NewBroker()
	slow := b.Subscribe(Filter{})
	fast := b.Subscribe(Filter{})
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	// Fill the slow subscriber's queue without draining it
	for i := 0; i < subscriberQueueSize; i++ {
		slow.ch <- event("worker.paused", "w1")
	}

	done := make(chan struct{})
	go func() {
		b.Broadcast(event("worker.resumed", "w1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * enqueueTimeout):
		t.Fatal("broadcast blocked on a full subscriber queue")
	}

	// The fast subscriber still got the event
	require.Len(t, fast.ch, 1)
	// The slow one lost it
	assert.Len(t, slow.ch, subscriberQueueSize)
}

func TestUnsubscribeDuringBroadcastDoesNotPanic(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(Filter{})

	// Fill the queue so the broadcast parks in the timed send
	for i := 0; i < subscriberQueueSize; i++ {
		sub.ch <- event("worker.paused", "w1")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Broadcast(event("worker.paused", "w1"))
	}()

	// Unsubscribe while the broadcast is in flight; the close must wait
	// for delivery to finish instead of panicking the sender
	b.Unsubscribe(sub)

	select {
	case <-done:
	case <-time.After(10 * enqueueTimeout):
		t.Fatal("broadcast did not return")
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(Filter{})
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.Chan()
	assert.False(t, open)

	// Double unsubscribe is harmless
	b.Unsubscribe(sub)
}
