package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/metrics"
	"github.com/cuemby/labfleet/pkg/types"
)

const (
	// subscriberQueueSize bounds each subscriber's pending events
	subscriberQueueSize = 100

	// enqueueTimeout is how long broadcast waits for a slow subscriber
	// before dropping the event for it
	enqueueTimeout = 100 * time.Millisecond
)

// Filter restricts which events a subscriber receives. Nil slices match
// everything; a subscriber receives an event iff the worker id matches
// (or WorkerIDs is nil) and the event type matches (or EventTypes is nil).
type Filter struct {
	WorkerIDs  []string
	EventTypes []string
}

// Matches reports whether the filter accepts the event
func (f Filter) Matches(event *types.Event) bool {
	if f.WorkerIDs != nil && !contains(f.WorkerIDs, event.WorkerID()) {
		return false
	}
	if f.EventTypes != nil && !contains(f.EventTypes, event.Type) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// Subscriber is one registered consumer with a bounded event queue.
// Clients drain Chan to push to server-sent event streams.
type Subscriber struct {
	id     string
	filter Filter
	ch     chan *types.Event
}

// ID returns the subscriber's unique identifier
func (s *Subscriber) ID() string { return s.id }

// Chan returns the receive side of the subscriber queue
func (s *Subscriber) Chan() <-chan *types.Event { return s.ch }

// Broker manages subscriptions and local fan-out. Delivery is lossy: a
// subscriber that cannot keep up loses events rather than blocking the
// producer or its peers.
type Broker struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a consumer with an optional filter
func (b *Broker) Subscribe(filter Filter) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		id:     uuid.New().String(),
		filter: filter,
		ch:     make(chan *types.Event, subscriberQueueSize),
	}
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its queue
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Broadcast delivers an event to every subscriber whose filter accepts
// it. Enqueue is a non-blocking put with a short timeout; on timeout the
// event is dropped for that subscriber and logged. The read lock is held
// across delivery so Unsubscribe cannot close a queue mid-send.
func (b *Broker) Broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	logger := log.WithComponent("relay")
	for _, sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
			metrics.RelayEventsDelivered.Inc()
		default:
			// Queue full: give the consumer a moment before dropping
			timer := time.NewTimer(enqueueTimeout)
			select {
			case sub.ch <- event:
				metrics.RelayEventsDelivered.Inc()
				timer.Stop()
			case <-timer.C:
				metrics.RelayEventsDropped.Inc()
				logger.Warn().
					Str("subscriber_id", sub.id).
					Str("event_type", event.Type).
					Msg("subscriber queue full, event dropped")
			}
		}
	}
}
