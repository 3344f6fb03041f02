package command

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/labfleet/pkg/metrics"
	"github.com/cuemby/labfleet/pkg/scheduler"
	"github.com/cuemby/labfleet/pkg/types"
	"github.com/cuemby/labfleet/pkg/worker"
)

// refreshETA is how far in the future an accepted on-demand refresh fires
const refreshETA = 1 * time.Second

// RefreshDecision is the data payload of RequestWorkerDataRefresh
type RefreshDecision struct {
	Scheduled                 bool    `json:"scheduled"`
	JobID                     string  `json:"job_id,omitempty"`
	ETASeconds                float64 `json:"eta_seconds,omitempty"`
	Reason                    string  `json:"reason,omitempty"`
	RetryAfterSeconds         float64 `json:"retry_after_seconds,omitempty"`
	SecondsUntilBackgroundJob float64 `json:"seconds_until_background_job,omitempty"`
}

// RequestWorkerDataRefresh runs the refresh decision engine: it either
// enqueues a one-shot refresh job for the worker or records a skip with
// a reason the UI can display. Skips are soft; they return 200.
func (h *Handlers) RequestWorkerDataRefresh(ctx context.Context, workerID, requestedBy string) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}
	now := time.Now().UTC()

	if agg.State().Status != types.WorkerStatusRunning {
		return h.skipRefresh(ctx, agg.ID(), &RefreshDecision{Reason: "not_running"})
	}
	if !h.throttle.CanRefresh(workerID) {
		retry := h.throttle.TimeUntilNext(workerID).Seconds()
		return h.skipRefresh(ctx, agg.ID(), &RefreshDecision{
			Reason:            "rate_limited",
			RetryAfterSeconds: retry,
		})
	}
	if next, ok := h.jobs.NextFireTime(FleetMetricsJobID); ok {
		if until := next.Sub(now); until >= 0 && until <= h.opts.UpcomingJobThreshold {
			return h.skipRefresh(ctx, agg.ID(), &RefreshDecision{
				Reason:                    "background_job_imminent",
				SecondsUntilBackgroundJob: until.Seconds(),
			})
		}
	}
	jobID := OnDemandRefreshJobID(workerID)
	if h.jobs.HasPendingWithin(jobID, 30*time.Second) {
		return h.skipRefresh(ctx, agg.ID(), &RefreshDecision{Reason: "already_scheduled"})
	}

	if err := h.jobs.ScheduleOnce(jobID, JobNameOnDemandRefresh, now.Add(refreshETA),
		map[string]any{"worker_id": workerID, "requested_by": requestedBy}); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyScheduled) {
			// Lost the race against a concurrent request; same soft skip
			return h.skipRefresh(ctx, agg.ID(), &RefreshDecision{Reason: "already_scheduled"})
		}
		return types.InternalError(err.Error())
	}
	agg.RequestDataRefresh(now, requestedBy)
	if err := h.repo.Update(ctx, agg); err != nil {
		return types.InternalError(err.Error())
	}
	return types.OK(&RefreshDecision{
		Scheduled:  true,
		JobID:      jobID,
		ETASeconds: refreshETA.Seconds(),
	})
}

// skipRefresh records the skip event so subscribers learn why, then
// returns the decision as a success
func (h *Handlers) skipRefresh(ctx context.Context, workerID string, decision *RefreshDecision) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err == nil {
		agg.SkipDataRefresh(decision.Reason, decision.RetryAfterSeconds)
		if err := h.repo.Update(ctx, agg); err != nil {
			h.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to persist refresh skip")
		}
	}
	return types.OK(decision)
}

// RunOnDemandRefresh executes an accepted user-initiated refresh: full
// metrics pass plus lab sync, then records the throttle token
func (h *Handlers) RunOnDemandRefresh(ctx context.Context, workerID string) types.OperationResult {
	res := h.RefreshWorkerMetrics(ctx, workerID)
	if res.Success() {
		h.throttle.Record(workerID)
	}
	return res
}

// RefreshWorkerMetrics reconciles one worker against the cloud, then
// syncs lab data when the worker is running and its service reachable,
// and persists the aggregate once
func (h *Handlers) RefreshWorkerMetrics(ctx context.Context, workerID string) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}

	timer := metrics.NewTimer()
	metrics.RefreshCyclesTotal.Inc()

	result := h.collectWorker(ctx, agg)

	if err := h.repo.Update(ctx, agg); err != nil {
		metrics.RefreshFailuresTotal.Inc()
		return types.InternalError(err.Error())
	}
	metrics.RefreshDuration.Observe(timer.Duration().Seconds())

	if result.Error != "" && result.Error != "instance not found" {
		metrics.RefreshFailuresTotal.Inc()
		return types.BadRequest(result.Error)
	}
	return types.OK(result)
}

// collectWorker runs the metrics pass and lab sync on one aggregate
// without persisting; the caller chooses single or batch persistence
func (h *Handlers) collectWorker(ctx context.Context, agg *worker.Aggregate) *types.MetricsResult {
	result := h.collector.Collect(ctx, agg, h.opts.CollectResourceMetrics)
	if result.Error == "instance not found" {
		// The authoritative cloud no longer knows this instance
		agg.Terminate("system")
	}

	if agg.State().Status == types.WorkerStatusRunning && agg.State().HTTPSEndpoint != "" {
		h.syncCMLData(ctx, agg)
	}
	return result
}

// FleetRefreshResult summarizes one fleet-wide metrics pass
type FleetRefreshResult struct {
	Total  int          `json:"total"`
	Synced []string     `json:"synced"`
	Failed []BulkFailed `json:"failed"`
}

// RefreshFleetMetrics reconciles every non-terminated worker against the
// cloud, bounded by a counting semaphore, and persists the whole batch
// in one store transaction
func (h *Handlers) RefreshFleetMetrics(ctx context.Context, maxConcurrent int) types.OperationResult {
	aggs, err := h.repo.GetActive()
	if err != nil {
		return types.InternalError(err.Error())
	}
	if maxConcurrent <= 0 {
		maxConcurrent = h.opts.MaxConcurrent
	}

	timer := metrics.NewTimer()
	metrics.RefreshCyclesTotal.Inc()

	out := &FleetRefreshResult{Total: len(aggs), Synced: []string{}, Failed: []BulkFailed{}}
	var mu sync.Mutex
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	for _, agg := range aggs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return types.InternalError(err.Error())
		}
		go func(agg *worker.Aggregate) {
			defer sem.Release(1)
			result := h.collectWorker(ctx, agg)
			mu.Lock()
			defer mu.Unlock()
			if result.Error != "" && result.Error != "instance not found" {
				out.Failed = append(out.Failed, BulkFailed{WorkerID: agg.ID(), Detail: result.Error})
				return
			}
			out.Synced = append(out.Synced, agg.ID())
		}(agg)
	}
	if err := sem.Acquire(ctx, int64(maxConcurrent)); err != nil {
		return types.InternalError(err.Error())
	}

	if err := h.repo.UpdateMany(ctx, aggs); err != nil {
		metrics.RefreshFailuresTotal.Inc()
		return types.InternalError(err.Error())
	}
	metrics.RefreshDuration.Observe(timer.Duration().Seconds())
	return types.OK(out)
}

// SyncWorkerCMLData refreshes lab-service data (health, stats, license,
// labs) for one worker and persists the aggregate
func (h *Handlers) SyncWorkerCMLData(ctx context.Context, workerID string) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}
	if agg.State().HTTPSEndpoint == "" {
		return types.BadRequest("worker has no https endpoint")
	}
	h.syncCMLData(ctx, agg)
	if err := h.repo.Update(ctx, agg); err != nil {
		return types.InternalError(err.Error())
	}
	return types.OK(agg.State())
}

// BulkResult aggregates per-worker outcomes of a bulk command
type BulkResult struct {
	Synced []string     `json:"synced"`
	Failed []BulkFailed `json:"failed"`
}

// BulkFailed names one worker that failed and why
type BulkFailed struct {
	WorkerID string `json:"worker_id"`
	Detail   string `json:"detail"`
}

// BulkSyncWorkerCMLData runs the CML sync for many workers concurrently,
// bounded by a counting semaphore. One failure never fails the batch.
func (h *Handlers) BulkSyncWorkerCMLData(ctx context.Context, workerIDs []string, maxConcurrent int) types.OperationResult {
	return h.bulk(ctx, workerIDs, maxConcurrent, h.SyncWorkerCMLData)
}

// BulkSyncWorkerEC2Status runs the cloud metrics pass for many workers
// concurrently
func (h *Handlers) BulkSyncWorkerEC2Status(ctx context.Context, workerIDs []string, maxConcurrent int) types.OperationResult {
	return h.bulk(ctx, workerIDs, maxConcurrent, h.RefreshWorkerMetrics)
}

func (h *Handlers) bulk(ctx context.Context, workerIDs []string, maxConcurrent int,
	op func(context.Context, string) types.OperationResult) types.OperationResult {
	if len(workerIDs) == 0 {
		aggs, err := h.repo.GetActive()
		if err != nil {
			return types.InternalError(err.Error())
		}
		for _, agg := range aggs {
			workerIDs = append(workerIDs, agg.ID())
		}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = h.opts.MaxConcurrent
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make(chan BulkFailed, len(workerIDs))
	synced := make(chan string, len(workerIDs))
	for _, id := range workerIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results <- BulkFailed{WorkerID: id, Detail: err.Error()}
			continue
		}
		go func(id string) {
			defer sem.Release(1)
			if res := op(ctx, id); res.Success() {
				synced <- id
			} else {
				results <- BulkFailed{WorkerID: id, Detail: res.Detail}
			}
		}(id)
	}
	// Wait for every in-flight worker before reading the channels dry
	if err := sem.Acquire(ctx, int64(maxConcurrent)); err != nil {
		return types.InternalError(err.Error())
	}
	close(results)
	close(synced)

	out := &BulkResult{Synced: []string{}, Failed: []BulkFailed{}}
	for id := range synced {
		out.Synced = append(out.Synced, id)
	}
	for f := range results {
		out.Failed = append(out.Failed, f)
	}
	return types.OK(out)
}
