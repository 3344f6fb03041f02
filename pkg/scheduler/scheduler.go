package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/metrics"
	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/types"
)

const (
	// tickInterval is the dispatcher resolution
	tickInterval = 1 * time.Second

	// oneShotDedupeWindow suppresses duplicate one-shot enqueues whose
	// pending run is this close
	oneShotDedupeWindow = 30 * time.Second

	// DefaultShutdownGrace bounds how long Stop waits for running jobs
	DefaultShutdownGrace = 30 * time.Second
)

// ErrAlreadyScheduled is returned when a one-shot with the same id has a
// pending run inside the dedupe window
var ErrAlreadyScheduled = errors.New("already scheduled")

// ErrUnknownJob is returned when no constructor is registered for a name
var ErrUnknownJob = errors.New("unknown job type")

// Job executes one unit of scheduled work. Implementations carry their
// collaborators (repositories, clients) via the constructor; only the
// primitive job record is persisted.
type Job interface {
	Execute(ctx context.Context, job *types.ScheduledJob) error
}

// Constructor builds a fresh job instance at execution time
type Constructor func() Job

// Scheduler is the persistent, time-driven job executor. Jobs survive
// restarts in the store; constructors re-attach services at dispatch.
type Scheduler struct {
	store  storage.Store
	grace  time.Duration
	logger zerolog.Logger

	mu       sync.RWMutex
	registry map[string]Constructor
	running  map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	loopWg sync.WaitGroup

	// now is swappable for tests
	now func() time.Time
}

// New creates a scheduler over the given job store
func New(store storage.Store) *Scheduler {
	return &Scheduler{
		store:    store,
		grace:    DefaultShutdownGrace,
		logger:   log.WithComponent("scheduler"),
		registry: make(map[string]Constructor),
		running:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// Register binds a job type name to its constructor. Names must be
// registered before Start; registration replaces any previous binding.
func (s *Scheduler) Register(name string, ctor Constructor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[name] = ctor
}

// ScheduleRecurrent registers a recurrent job with a stable id derived
// from the type name. An existing record is replaced in place: the
// interval updates but a pending next-run in the future is preserved, so
// restarts neither duplicate nor advance the schedule.
func (s *Scheduler) ScheduleRecurrent(name string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("recurrent job %s requires a positive interval", name)
	}
	now := s.now().UTC()
	job := &types.ScheduledJob{
		ID:              "recurrent_" + name,
		Name:            name,
		Kind:            types.JobKindRecurrent,
		IntervalSeconds: int(interval.Seconds()),
		NextRunAt:       now.Add(interval),
		CreatedAt:       now,
	}
	if existing, err := s.store.GetJob(job.ID); err == nil {
		job.CreatedAt = existing.CreatedAt
		if existing.NextRunAt.After(now) && existing.NextRunAt.Before(job.NextRunAt) {
			job.NextRunAt = existing.NextRunAt
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return s.store.SaveJob(job)
}

// ScheduleOnce enqueues a one-shot job firing at or after runAt. Data
// must hold primitives only; it is what the job sees at execution.
func (s *Scheduler) ScheduleOnce(id, name string, runAt time.Time, data map[string]any) error {
	now := s.now().UTC()
	if existing, err := s.store.GetJob(id); err == nil {
		if existing.NextRunAt.Sub(now) <= oneShotDedupeWindow && existing.NextRunAt.After(now.Add(-oneShotDedupeWindow)) {
			return ErrAlreadyScheduled
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return s.store.SaveJob(&types.ScheduledJob{
		ID:        id,
		Name:      name,
		Kind:      types.JobKindOneShot,
		NextRunAt: runAt.UTC(),
		Data:      data,
		CreatedAt: now,
	})
}

// CancelJob removes a pending job by id
func (s *Scheduler) CancelJob(id string) error {
	return s.store.DeleteJob(id)
}

// NextFireTime reports when the job with the given id fires next
func (s *Scheduler) NextFireTime(id string) (time.Time, bool) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return time.Time{}, false
	}
	return job.NextRunAt, true
}

// HasPendingWithin reports whether a pending job with the given id fires
// inside the window. Used by the refresh decision engine.
func (s *Scheduler) HasPendingWithin(id string, window time.Duration) bool {
	next, ok := s.NextFireTime(id)
	if !ok {
		return false
	}
	until := next.Sub(s.now().UTC())
	return until <= window && until > -window
}

// Start launches the dispatcher loop
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.loopWg.Add(1)
	go s.run(ctx)
	s.logger.Info().Msg("Scheduler started")
}

// Stop cancels the dispatcher and waits up to the grace period for
// running jobs to finish
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Warn().Dur("grace", s.grace).Msg("Shutdown grace expired with jobs still running")
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatch(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch fires every due job that is not already running
func (s *Scheduler) dispatch(ctx context.Context) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list jobs")
		return
	}
	now := s.now().UTC()
	for _, job := range jobs {
		if job.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job *types.ScheduledJob) {
	s.mu.Lock()
	if _, busy := s.running[job.ID]; busy {
		s.mu.Unlock()
		return
	}
	ctor, ok := s.registry[job.Name]
	s.mu.Unlock()

	logger := s.logger.With().Str("job_id", job.ID).Str("job", job.Name).Logger()
	if !ok {
		// Unresolvable type: log and skip, never raise
		logger.Warn().Msg("No constructor registered for job, skipping")
		_ = s.defuse(job)
		return
	}

	// Advance or remove the record before execution so a slow job cannot
	// double-fire
	if err := s.defuse(job); err != nil {
		logger.Error().Err(err).Msg("Failed to update job record")
		return
	}

	s.mu.Lock()
	s.running[job.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()

		logger.Debug().Msg("Job started")
		if err := ctor().Execute(ctx, job); err != nil {
			metrics.JobsFailedTotal.WithLabelValues(job.Name).Inc()
			logger.Error().Err(err).Msg("Job failed")
			return
		}
		metrics.JobsExecutedTotal.WithLabelValues(job.Name).Inc()
		logger.Debug().Msg("Job finished")
	}()
}

// defuse reschedules a recurrent job to its next slot or deletes a
// one-shot record
func (s *Scheduler) defuse(job *types.ScheduledJob) error {
	if job.Kind == types.JobKindRecurrent {
		interval := time.Duration(job.IntervalSeconds) * time.Second
		job.NextRunAt = s.now().UTC().Add(interval)
		return s.store.SaveJob(job)
	}
	return s.store.DeleteJob(job.ID)
}
