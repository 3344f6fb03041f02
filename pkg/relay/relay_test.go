package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/labfleet/pkg/types"
	"github.com/cuemby/labfleet/pkg/worker"
)

func receive(t *testing.T, sub *Subscriber) *types.Event {
	t.Helper()
	select {
	case e := <-sub.Chan():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishDomainEventLocalOnly(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	sub := r.Subscribe(Filter{})
	defer r.Unsubscribe(sub)

	agg := worker.New("lab-1", "us-east-1", "c5.2xlarge", "ami-123", "cml-2.7", "admin")
	events := agg.DrainEvents()
	require.Len(t, events, 1)

	r.PublishDomainEvent(context.Background(), events[0])

	got := receive(t, sub)
	assert.Equal(t, worker.EventWorkerCreated, got.Type)
	assert.Equal(t, worker.EventSource, got.Source)
	assert.Equal(t, agg.ID(), got.WorkerID())
	assert.False(t, got.Time.IsZero())
}

func TestPublishFallsBackOnBusError(t *testing.T) {
	r := New(failingBus{})
	sub := r.Subscribe(Filter{})
	defer r.Unsubscribe(sub)

	r.Publish(context.Background(), &types.Event{
		Type: "worker.paused",
		Data: map[string]any{"worker_id": "w1"},
	})

	got := receive(t, sub)
	assert.Equal(t, "worker.paused", got.Type)
}

type failingBus struct{}

func (failingBus) Publish(context.Context, []byte) error { return assert.AnError }
func (failingBus) Subscribe(context.Context) (<-chan string, error) {
	return nil, assert.AnError
}
func (failingBus) Close() error { return nil }

func TestRedisBusRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	bus, err := NewRedisBus(ctx, RedisConfig{Addr: srv.Addr(), Channel: "labfleet:events"})
	require.NoError(t, err)
	defer bus.Close()

	r := New(bus)
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	sub := r.Subscribe(Filter{EventTypes: []string{"worker.resumed"}})
	defer r.Unsubscribe(sub)

	r.Publish(ctx, &types.Event{
		Type: "worker.resumed",
		Data: map[string]any{"worker_id": "w9", "resumed_by": "ops"},
	})

	got := receive(t, sub)
	assert.Equal(t, "worker.resumed", got.Type)
	assert.Equal(t, "w9", got.WorkerID())
}

func TestRedisBusDeliversPeerMessages(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	bus, err := NewRedisBus(ctx, RedisConfig{Addr: srv.Addr(), Channel: "labfleet:events"})
	require.NoError(t, err)
	defer bus.Close()

	r := New(bus)
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	sub := r.Subscribe(Filter{})
	defer r.Unsubscribe(sub)

	// Simulate another instance publishing on the shared channel
	payload, err := json.Marshal(&types.Event{
		Type: "worker.status.updated",
		Time: time.Now().UTC(),
		Data: map[string]any{"worker_id": "w2", "status": "running"},
	})
	require.NoError(t, err)
	srv.Publish("labfleet:events", string(payload))

	got := receive(t, sub)
	assert.Equal(t, "worker.status.updated", got.Type)
	assert.Equal(t, "w2", got.WorkerID())
}

func TestNewRedisBusConnectFailure(t *testing.T) {
	_, err := NewRedisBus(context.Background(), RedisConfig{Addr: "127.0.0.1:1", Channel: "c"})
	assert.Error(t, err)
}
