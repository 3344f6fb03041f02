// Package repository mediates between worker aggregates and the store,
// enforcing the publish-after-commit rule: pending domain events are
// drained and published only after the aggregate state persisted.
package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/types"
	"github.com/cuemby/labfleet/pkg/worker"
)

// EventPublisher receives drained domain events. Satisfied by relay.Relay.
type EventPublisher interface {
	PublishDomainEvent(ctx context.Context, e worker.DomainEvent)
}

// WorkerRepository persists worker aggregates and publishes their events
type WorkerRepository struct {
	store     storage.Store
	publisher EventPublisher
	logger    zerolog.Logger
}

// New creates a repository; publisher may be nil to suppress fan-out
func New(store storage.Store, publisher EventPublisher) *WorkerRepository {
	return &WorkerRepository{
		store:     store,
		publisher: publisher,
		logger:    log.WithComponent("repository"),
	}
}

// Get loads one aggregate by id
func (r *WorkerRepository) Get(id string) (*worker.Aggregate, error) {
	state, err := r.store.GetWorker(id)
	if err != nil {
		return nil, err
	}
	return worker.FromState(state), nil
}

// GetByInstanceID loads one aggregate by its cloud instance id
func (r *WorkerRepository) GetByInstanceID(instanceID string) (*worker.Aggregate, error) {
	state, err := r.store.GetWorkerByInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	return worker.FromState(state), nil
}

// GetAll loads every aggregate
func (r *WorkerRepository) GetAll() ([]*worker.Aggregate, error) {
	states, err := r.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	return wrap(states), nil
}

// GetByStatus loads aggregates in one lifecycle state
func (r *WorkerRepository) GetByStatus(status types.WorkerStatus) ([]*worker.Aggregate, error) {
	states, err := r.store.ListWorkersByStatus(status)
	if err != nil {
		return nil, err
	}
	return wrap(states), nil
}

// GetByRegion loads aggregates in one cloud region
func (r *WorkerRepository) GetByRegion(region string) ([]*worker.Aggregate, error) {
	states, err := r.store.ListWorkersByRegion(region)
	if err != nil {
		return nil, err
	}
	return wrap(states), nil
}

// GetActive loads every non-terminated aggregate
func (r *WorkerRepository) GetActive() ([]*worker.Aggregate, error) {
	states, err := r.store.ListActiveWorkers()
	if err != nil {
		return nil, err
	}
	return wrap(states), nil
}

// GetIdleCandidates loads running workers with idle detection enabled
// that have been inactive longer than the threshold
func (r *WorkerRepository) GetIdleCandidates(threshold time.Duration, now time.Time) ([]*worker.Aggregate, error) {
	states, err := r.store.ListWorkersByStatus(types.WorkerStatusRunning)
	if err != nil {
		return nil, err
	}
	var out []*worker.Aggregate
	for _, s := range states {
		if !s.IsIdleDetectionEnabled || s.LastActivityAt == nil {
			continue
		}
		if now.Sub(*s.LastActivityAt) > threshold {
			out = append(out, worker.FromState(s))
		}
	}
	return out, nil
}

// Add persists a brand-new aggregate, then publishes its creation events
func (r *WorkerRepository) Add(ctx context.Context, agg *worker.Aggregate) error {
	if err := r.store.CreateWorker(agg.State()); err != nil {
		return err
	}
	r.publish(ctx, agg)
	return nil
}

// Update persists an existing aggregate, then publishes pending events.
// Aggregates with no pending events are persisted anyway so that fields
// updated without events (refresh hints, idle config) are not lost.
func (r *WorkerRepository) Update(ctx context.Context, agg *worker.Aggregate) error {
	if err := r.store.UpdateWorker(agg.State()); err != nil {
		return err
	}
	r.publish(ctx, agg)
	return nil
}

// UpdateMany persists a batch in one transaction, then publishes each
// aggregate's pending events
func (r *WorkerRepository) UpdateMany(ctx context.Context, aggs []*worker.Aggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	states := make([]*types.Worker, len(aggs))
	for i, agg := range aggs {
		states[i] = agg.State()
	}
	if err := r.store.UpdateWorkers(states); err != nil {
		return err
	}
	for _, agg := range aggs {
		r.publish(ctx, agg)
	}
	return nil
}

// Delete removes the worker document and its lab records. Any events
// still pending on the aggregate are discarded: there is no state left
// to reconcile against.
func (r *WorkerRepository) Delete(id string) error {
	if err := r.store.DeleteLabRecordsByWorker(id); err != nil {
		return err
	}
	return r.store.DeleteWorker(id)
}

func (r *WorkerRepository) publish(ctx context.Context, agg *worker.Aggregate) {
	events := agg.DrainEvents()
	if r.publisher == nil {
		return
	}
	for _, e := range events {
		r.publisher.PublishDomainEvent(ctx, e)
		r.logger.Debug().
			Str("worker_id", e.AggregateID()).
			Str("event_type", e.EventType()).
			Msg("Published domain event")
	}
}

func wrap(states []*types.Worker) []*worker.Aggregate {
	aggs := make([]*worker.Aggregate, len(states))
	for i, s := range states {
		aggs[i] = worker.FromState(s)
	}
	return aggs
}
