package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/types"
)

type countingJob struct {
	runs *atomic.Int32
	data map[string]any
}

func (j *countingJob) Execute(_ context.Context, job *types.ScheduledJob) error {
	j.runs.Add(1)
	if j.data != nil {
		for k, v := range job.Data {
			j.data[k] = v
		}
	}
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func TestScheduleRecurrentReplacesExisting(t *testing.T) {
	s, store := newTestScheduler(t)

	require.NoError(t, s.ScheduleRecurrent("fleet_metrics", 300*time.Second))
	first, err := store.GetJob("recurrent_fleet_metrics")
	require.NoError(t, err)

	// Re-registering at startup must not duplicate or push the schedule out
	require.NoError(t, s.ScheduleRecurrent("fleet_metrics", 600*time.Second))
	jobs, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 600, jobs[0].IntervalSeconds)
	assert.Equal(t, first.NextRunAt, jobs[0].NextRunAt)
}

func TestScheduleOnceDedupeWindow(t *testing.T) {
	s, _ := newTestScheduler(t)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	require.NoError(t, s.ScheduleOnce("on_demand_refresh_w1", "on_demand_refresh", now.Add(time.Second), nil))

	err := s.ScheduleOnce("on_demand_refresh_w1", "on_demand_refresh", now.Add(time.Second), nil)
	assert.ErrorIs(t, err, ErrAlreadyScheduled)

	// A different worker id is unaffected
	require.NoError(t, s.ScheduleOnce("on_demand_refresh_w2", "on_demand_refresh", now.Add(time.Second), nil))
}

func TestNextFireTime(t *testing.T) {
	s, _ := newTestScheduler(t)

	_, ok := s.NextFireTime("recurrent_fleet_metrics")
	assert.False(t, ok)

	require.NoError(t, s.ScheduleRecurrent("fleet_metrics", 300*time.Second))
	next, ok := s.NextFireTime("recurrent_fleet_metrics")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(300*time.Second), next, 5*time.Second)
}

func TestHasPendingWithin(t *testing.T) {
	s, _ := newTestScheduler(t)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	require.NoError(t, s.ScheduleOnce("j1", "noop", now.Add(5*time.Second), nil))
	assert.True(t, s.HasPendingWithin("j1", 10*time.Second))
	assert.False(t, s.HasPendingWithin("j1", 2*time.Second))
	assert.False(t, s.HasPendingWithin("absent", 10*time.Second))
}

func TestOneShotFiresOnceAndIsRemoved(t *testing.T) {
	s, store := newTestScheduler(t)
	var runs atomic.Int32
	captured := map[string]any{}
	s.Register("refresh", func() Job { return &countingJob{runs: &runs, data: captured} })

	require.NoError(t, s.ScheduleOnce("j1", "refresh", time.Now().UTC(), map[string]any{"worker_id": "w1"}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "w1", captured["worker_id"])

	// Record removed after dispatch
	assert.Eventually(t, func() bool {
		_, err := store.GetJob("j1")
		return err != nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRecurrentJobReschedules(t *testing.T) {
	s, store := newTestScheduler(t)
	var runs atomic.Int32
	s.Register("tick", func() Job { return &countingJob{runs: &runs} })

	// Force the first run to be due immediately
	require.NoError(t, store.SaveJob(&types.ScheduledJob{
		ID:              "recurrent_tick",
		Name:            "tick",
		Kind:            types.JobKindRecurrent,
		IntervalSeconds: 3600,
		NextRunAt:       time.Now().UTC().Add(-time.Second),
	}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 50*time.Millisecond)

	job, err := store.GetJob("recurrent_tick")
	require.NoError(t, err)
	assert.True(t, job.NextRunAt.After(time.Now().UTC().Add(30*time.Minute)))
}

func TestUnknownJobIsSkippedNotRetried(t *testing.T) {
	s, store := newTestScheduler(t)

	require.NoError(t, s.ScheduleOnce("j1", "never_registered", time.Now().UTC(), nil))
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		_, err := store.GetJob("j1")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStopCancelsJobContext(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.grace = 2 * time.Second

	started := make(chan struct{})
	cancelled := make(chan struct{})
	s.Register("slow", func() Job {
		return jobFunc(func(ctx context.Context, _ *types.ScheduledJob) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		})
	})
	require.NoError(t, s.ScheduleOnce("j1", "slow", time.Now().UTC(), nil))

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	s.Stop()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job did not observe cancellation")
	}
}

type jobFunc func(ctx context.Context, job *types.ScheduledJob) error

func (f jobFunc) Execute(ctx context.Context, job *types.ScheduledJob) error { return f(ctx, job) }
