// Package jobs holds the background job implementations dispatched by
// the scheduler. Each job is rebuilt from its constructor at execution;
// only the primitive job record travels through the store.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/labfleet/pkg/command"
	"github.com/cuemby/labfleet/pkg/idle"
	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/repository"
	"github.com/cuemby/labfleet/pkg/scheduler"
	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/types"
)

// activityConcurrency caps concurrent per-worker work in the activity job
const activityConcurrency = 5

// Services is the collaborator set re-injected into jobs at dispatch
type Services struct {
	Commands      *command.Handlers
	Repo          *repository.WorkerRepository
	Store         storage.Store
	Idle          *idle.Evaluator
	AutoUser      string
	MaxConcurrent int
}

// RegisterAll binds every job type to the scheduler registry
func RegisterAll(s *scheduler.Scheduler, svc *Services) {
	s.Register(command.JobNameFleetMetrics, func() scheduler.Job { return &FleetMetricsJob{svc: svc} })
	s.Register(command.JobNameLabsRefresh, func() scheduler.Job { return &LabsRefreshJob{svc: svc} })
	s.Register(command.JobNameActivity, func() scheduler.Job { return &ActivityDetectionJob{svc: svc} })
	s.Register(command.JobNameAutoImport, func() scheduler.Job { return &AutoImportJob{svc: svc} })
	s.Register(command.JobNameOnDemandRefresh, func() scheduler.Job { return &OnDemandRefreshJob{svc: svc} })
}

// FleetMetricsJob reconciles every non-terminated worker against the
// cloud, bounded by a semaphore, and batches the persists
type FleetMetricsJob struct {
	svc *Services
}

// Execute runs one fleet pass
func (j *FleetMetricsJob) Execute(ctx context.Context, _ *types.ScheduledJob) error {
	logger := log.WithJobID(command.JobNameFleetMetrics)

	res := j.svc.Commands.RefreshFleetMetrics(ctx, j.svc.MaxConcurrent)
	if !res.Success() {
		logger.Warn().Str("detail", res.Detail).Msg("Fleet metrics pass failed")
		return nil
	}
	r, ok := res.Data.(*command.FleetRefreshResult)
	if !ok {
		return nil
	}
	for _, f := range r.Failed {
		logger.Warn().Str("worker_id", f.WorkerID).Str("detail", f.Detail).Msg("Fleet refresh failed for worker")
	}
	logger.Info().Int("workers", r.Total).Int("synced", len(r.Synced)).Msg("Fleet metrics pass finished")
	return nil
}

// LabsRefreshJob refreshes lab records fleet-wide
type LabsRefreshJob struct {
	svc *Services
}

// Execute refreshes lab records for every running worker with an endpoint
func (j *LabsRefreshJob) Execute(ctx context.Context, _ *types.ScheduledJob) error {
	logger := log.WithJobID(command.JobNameLabsRefresh)
	aggs, err := j.svc.Repo.GetByStatus(types.WorkerStatusRunning)
	if err != nil {
		return err
	}
	for _, agg := range aggs {
		if agg.State().HTTPSEndpoint == "" {
			continue
		}
		if res := j.svc.Commands.RefreshWorkerLabs(ctx, agg.ID()); !res.Success() {
			logger.Warn().Str("worker_id", agg.ID()).Str("detail", res.Detail).Msg("Labs refresh failed for worker")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// ActivityDetectionJob marks idle workers and auto-pauses the ones whose
// grace window elapsed
type ActivityDetectionJob struct {
	svc *Services
}

// Execute runs one detection pass
func (j *ActivityDetectionJob) Execute(ctx context.Context, _ *types.ScheduledJob) error {
	logger := log.WithJobID(command.JobNameActivity)
	aggs, err := j.svc.Repo.GetByStatus(types.WorkerStatusRunning)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	sem := semaphore.NewWeighted(activityConcurrency)
	for _, agg := range aggs {
		if !agg.State().IsIdleDetectionEnabled {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(id string) {
			defer sem.Release(1)
			j.evaluateWorker(ctx, id, now, logger)
		}(agg.ID())
	}
	return sem.Acquire(ctx, activityConcurrency)
}

func (j *ActivityDetectionJob) evaluateWorker(ctx context.Context, workerID string, now time.Time, logger zerolog.Logger) {
	agg, err := j.svc.Repo.Get(workerID)
	if err != nil {
		return
	}
	state := agg.State()

	if j.svc.Idle.ShouldPause(state, now) {
		logger.Info().Str("worker_id", workerID).Msg("Pause deadline reached, auto-pausing")
		if res := j.svc.Commands.StopWorker(ctx, workerID, "idle", j.svc.AutoUser, true); !res.Success() {
			logger.Warn().Str("worker_id", workerID).Str("detail", res.Detail).Msg("Auto-pause failed")
		}
		return
	}

	labs, err := j.svc.Store.ListLabRecordsByWorker(workerID)
	if err != nil {
		logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to load lab records")
		return
	}
	verdict := j.svc.Idle.Evaluate(state, labs, now)
	if verdict.Idle && state.TargetPauseAt == nil {
		agg.MarkIdle(verdict.TargetPauseAt)
		if err := j.svc.Repo.Update(ctx, agg); err != nil {
			logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to persist idle mark")
		}
	}
}

// AutoImportJob discovers and imports unregistered cloud instances
// matching the configured image pattern
type AutoImportJob struct {
	svc *Services
}

// Execute runs one discovery pass driven by the persisted settings
func (j *AutoImportJob) Execute(ctx context.Context, _ *types.ScheduledJob) error {
	logger := log.WithJobID(command.JobNameAutoImport)
	settings, err := j.svc.Store.GetSystemSettings()
	if err != nil {
		logger.Debug().Err(err).Msg("No settings, skipping auto-import")
		return nil
	}
	p := settings.WorkerProvisioning
	if !p.AutoImportEnabled || p.ImageNamePattern == "" || p.DefaultRegion == "" {
		return nil
	}

	res := j.svc.Commands.BulkImportWorkers(ctx, p.DefaultRegion, "", p.ImageNamePattern, j.svc.AutoUser)
	if !res.Success() {
		logger.Warn().Str("detail", res.Detail).Msg("Auto-import failed")
		return nil
	}
	if r, ok := res.Data.(*command.BulkImportResult); ok && r.TotalImported > 0 {
		logger.Info().Int("imported", r.TotalImported).Int("skipped", r.TotalSkipped).Msg("Auto-import finished")
	}
	return nil
}

// OnDemandRefreshJob runs an accepted user-initiated refresh for one
// worker
type OnDemandRefreshJob struct {
	svc *Services
}

// Execute reads the worker id from the job payload and runs the refresh
func (j *OnDemandRefreshJob) Execute(ctx context.Context, job *types.ScheduledJob) error {
	logger := log.WithJobID(job.ID)
	workerID, _ := job.Data["worker_id"].(string)
	if workerID == "" {
		logger.Warn().Msg("On-demand refresh job without worker_id")
		return nil
	}
	if res := j.svc.Commands.RunOnDemandRefresh(ctx, workerID); !res.Success() {
		logger.Warn().Str("worker_id", workerID).
			Str("detail", res.Detail).Msg("On-demand refresh failed")
	}
	return nil
}
