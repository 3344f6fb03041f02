package command

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/labfleet/pkg/cml"
	"github.com/cuemby/labfleet/pkg/types"
	"github.com/cuemby/labfleet/pkg/worker"
)

// LabsRefreshResult summarizes one labs refresh pass for a worker
type LabsRefreshResult struct {
	WorkerID string `json:"worker_id"`
	Synced   int    `json:"synced"`
	Created  int    `json:"created"`
	Updated  int    `json:"updated"`
	Removed  int    `json:"removed"`
}

// syncCMLData probes the lab service and folds its data into the
// aggregate. Reachability alone drives service_status; per-endpoint
// failures past the probe log and continue with partial data.
func (h *Handlers) syncCMLData(ctx context.Context, agg *worker.Aggregate) {
	state := agg.State()
	logger := h.logger.With().Str("worker_id", state.ID).Logger()
	client := h.labClient(state.HTTPSEndpoint)

	info, err := client.SystemInfo(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Lab service unreachable")
		agg.UpdateServiceStatus(types.ServiceStatusUnavailable, "")
		return
	}
	agg.UpdateServiceStatus(types.ServiceStatusAvailable, state.HTTPSEndpoint)

	var health *cml.SystemHealth
	if health, err = client.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to fetch system health")
	}
	var stats *cml.SystemStats
	if stats, err = client.Stats(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to fetch system stats")
	}
	if lic, err := client.License(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to fetch licensing")
	} else {
		agg.UpdateLicense(cml.ToLicenseInfo(lic))
	}

	labsCount := -1
	if labs, err := h.refreshLabs(ctx, agg.ID(), client); err != nil {
		logger.Warn().Err(err).Msg("Labs refresh failed")
	} else {
		labsCount = labs.Synced
	}

	agg.UpdateLabMetrics(info.Version, cml.ToSystemInfo(info, stats),
		cml.ToSystemHealth(health), info.Ready, labsCount, h.opts.ChangeThresholdPercent)

	h.observeTelemetryActivity(ctx, agg, client, logger)
}

// RefreshWorkerLabs diffs the lab service's lab list against the stored
// records for the worker: orphans are removed, new labs create records,
// existing ones update in place with their transition history preserved.
func (h *Handlers) RefreshWorkerLabs(ctx context.Context, workerID string) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}
	if agg.State().HTTPSEndpoint == "" {
		return types.BadRequest("worker has no https endpoint")
	}
	result, err := h.refreshLabs(ctx, workerID, h.labClient(agg.State().HTTPSEndpoint))
	if err != nil {
		return types.BadRequest(err.Error())
	}
	return types.OK(result)
}

func (h *Handlers) refreshLabs(ctx context.Context, workerID string, client LabAPI) (*LabsRefreshResult, error) {
	ids, err := client.ListLabs(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := h.store.ListLabRecordsByWorker(workerID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.LabRecord, len(existing))
	for _, rec := range existing {
		byID[rec.LabID] = rec
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}

	result := &LabsRefreshResult{WorkerID: workerID}
	logger := h.logger.With().Str("worker_id", workerID).Logger()
	now := time.Now().UTC()

	// Orphans: records the lab service no longer knows
	for labID := range byID {
		if live[labID] {
			continue
		}
		if err := h.store.DeleteLabRecord(workerID, labID); err != nil {
			logger.Warn().Err(err).Str("lab_id", labID).Msg("Failed to remove orphan lab record")
			continue
		}
		result.Removed++
		logger.Info().Str("lab_id", labID).Msg("Removed orphan lab record")
	}

	var upserts []*types.LabRecord
	for _, labID := range ids {
		details, err := client.GetLab(ctx, labID)
		if err != nil {
			// Best effort: one bad lab must not fail the pass
			logger.Warn().Err(err).Str("lab_id", labID).Msg("Failed to fetch lab details")
			continue
		}
		fresh := cml.ToLabRecord(workerID, details, now)

		if prev, ok := byID[labID]; ok {
			fresh.FirstSeenAt = prev.FirstSeenAt
			fresh.OperationHistory = prev.OperationHistory
			if prev.State != fresh.State {
				fresh.RecordTransition(types.LabOperation{
					Timestamp:     now,
					PreviousState: prev.State,
					NewState:      fresh.State,
				})
				h.publishLabEvent(ctx, worker.NewLabStateChangedEvent(workerID, labID, prev.State, fresh.State, now))
			}
			if changed := changedLabFields(prev, fresh); len(changed) > 0 {
				h.publishLabEvent(ctx, worker.NewLabRecordUpdatedEvent(workerID, labID, changed, now))
			}
			result.Updated++
		} else {
			h.publishLabEvent(ctx, worker.NewLabRecordCreatedEvent(workerID, labID, fresh.Title, fresh.State, now))
			result.Created++
		}
		upserts = append(upserts, fresh)
		result.Synced++
	}

	if err := h.store.UpsertLabRecords(upserts); err != nil {
		// Batched write failed; fall back to per-record upserts so one
		// conflict cannot sink the batch
		logger.Warn().Err(err).Msg("Batch lab upsert failed, retrying per record")
		for _, rec := range upserts {
			if err := h.store.UpsertLabRecord(rec); err != nil {
				logger.Error().Err(err).Str("lab_id", rec.LabID).Msg("Failed to upsert lab record")
			}
		}
	}
	return result, nil
}

// observeTelemetryActivity walks the unfiltered telemetry event history,
// de-duplicates by event id, and records worker activity when new events
// appeared since the last pass
func (h *Handlers) observeTelemetryActivity(ctx context.Context, agg *worker.Aggregate, client LabAPI, logger zerolog.Logger) {
	events, err := client.TelemetryEvents(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Telemetry events unavailable")
		return
	}

	h.mu.Lock()
	seen := h.seenTelemetry[agg.ID()]
	if seen == nil {
		seen = make(map[string]bool)
		h.seenTelemetry[agg.ID()] = seen
	}
	firstPass := len(seen) == 0
	fresh := 0
	for _, e := range events {
		key := e.ID
		if key == "" {
			// Some versions omit ids; fall back to timestamp+category
			key = e.Timestamp + "/" + e.Category
		}
		if !seen[key] {
			seen[key] = true
			fresh++
		}
	}
	h.mu.Unlock()

	// The first pass after startup sees the whole history; only later
	// passes treat new entries as activity
	if !firstPass && fresh > 0 {
		agg.RecordActivity(time.Now().UTC())
	}
}

func changedLabFields(prev, next *types.LabRecord) []string {
	var changed []string
	if prev.Title != next.Title {
		changed = append(changed, "title")
	}
	if prev.State != next.State {
		changed = append(changed, "state")
	}
	if prev.NodeCount != next.NodeCount {
		changed = append(changed, "node_count")
	}
	if prev.LinkCount != next.LinkCount {
		changed = append(changed, "link_count")
	}
	if prev.Description != next.Description {
		changed = append(changed, "description")
	}
	if prev.Notes != next.Notes {
		changed = append(changed, "notes")
	}
	return changed
}

func (h *Handlers) publishLabEvent(ctx context.Context, e worker.DomainEvent) {
	if h.publisher == nil {
		return
	}
	h.publisher.PublishDomainEvent(ctx, e)
}
