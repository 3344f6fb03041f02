package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/metrics"
	"github.com/cuemby/labfleet/pkg/types"
	"github.com/cuemby/labfleet/pkg/worker"
)

// Relay is the process-wide fan-out service. Domain events and peer
// messages both flow through it: every accepted event is published to
// the pub/sub bus, and a listener goroutine reads the bus back and
// delivers to local subscribers only, so all process instances see the
// same stream. Without a bus the relay degrades to local-only broadcast.
type Relay struct {
	broker *Broker
	bus    Bus
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a relay; bus may be nil for local-only operation
func New(bus Bus) *Relay {
	return &Relay{
		broker: NewBroker(),
		bus:    bus,
		logger: log.WithComponent("relay"),
	}
}

// Start launches the bus listener. With no bus this is a no-op; events
// published locally are broadcast directly.
func (r *Relay) Start(ctx context.Context) error {
	if r.bus == nil {
		r.logger.Warn().Msg("no pub/sub bus configured, relay is local-only")
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)
	msgs, err := r.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case payload, ok := <-msgs:
				if !ok {
					return
				}
				var event types.Event
				if err := json.Unmarshal([]byte(payload), &event); err != nil {
					r.logger.Warn().Err(err).Msg("discarding malformed bus message")
					continue
				}
				r.broker.Broadcast(&event)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop terminates the listener and waits for it to drain
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Subscribe registers a local consumer with an optional filter
func (r *Relay) Subscribe(filter Filter) *Subscriber {
	return r.broker.Subscribe(filter)
}

// Unsubscribe removes a consumer and releases its queue
func (r *Relay) Unsubscribe(sub *Subscriber) {
	r.broker.Unsubscribe(sub)
}

// PublishDomainEvent formats a domain event into the wire envelope and
// publishes it. This is the handler the repository invokes after commit.
func (r *Relay) PublishDomainEvent(ctx context.Context, e worker.DomainEvent) {
	r.Publish(ctx, &types.Event{
		Type:   e.EventType(),
		Source: worker.EventSource,
		Time:   e.OccurredAt().UTC(),
		Data:   e.Payload(),
	})
}

// Publish sends an event to the bus for cross-process fan-out. If the
// bus is absent or fails, the relay falls back to local-only broadcast
// so in-process subscribers still see the event.
func (r *Relay) Publish(ctx context.Context, event *types.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	metrics.RelayEventsPublished.WithLabelValues(event.Type).Inc()

	if r.bus != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			r.logger.Error().Err(err).Str("event_type", event.Type).Msg("failed to encode event")
			return
		}
		if err := r.bus.Publish(ctx, payload); err == nil {
			// Local delivery happens via the bus listener
			return
		} else {
			r.logger.Warn().Err(err).Str("event_type", event.Type).
				Msg("bus publish failed, falling back to local broadcast")
		}
	}
	r.broker.Broadcast(event)
}
