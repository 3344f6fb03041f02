package command

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/labfleet/pkg/cml"
	"github.com/cuemby/labfleet/pkg/types"
	"github.com/cuemby/labfleet/pkg/worker"
)

// Lab control actions accepted by ControlLab
const (
	LabActionStart = "start"
	LabActionStop  = "stop"
	LabActionWipe  = "wipe"
)

// ControlLab proxies a start/stop/wipe action to the lab service. A
// successful action counts as worker activity and triggers a debounced
// labs refresh so the record catches up.
func (h *Handlers) ControlLab(ctx context.Context, workerID, labID, action, actor string) types.OperationResult {
	agg, client, res := h.labTarget(workerID)
	if client == nil {
		return res
	}

	var err error
	switch action {
	case LabActionStart:
		err = client.StartLab(ctx, labID)
	case LabActionStop:
		err = client.StopLab(ctx, labID)
	case LabActionWipe:
		err = client.WipeLab(ctx, labID)
	default:
		return types.BadRequest(fmt.Sprintf("unknown lab action %q", action))
	}
	if err != nil {
		if cml.IsNotFound(err) {
			return types.BadRequest(fmt.Sprintf("lab %s not found", labID))
		}
		return types.BadRequest(err.Error())
	}

	h.afterLabMutation(ctx, agg, client)
	h.logger.Info().Str("worker_id", workerID).Str("lab_id", labID).
		Str("action", action).Str("actor", actor).Msg("Lab action applied")
	return types.OK(map[string]any{"worker_id": workerID, "lab_id": labID, "action": action})
}

// ImportLab validates and uploads a YAML topology, returning the new lab id
func (h *Handlers) ImportLab(ctx context.Context, workerID, title, topologyYAML string) types.OperationResult {
	agg, client, res := h.labTarget(workerID)
	if client == nil {
		return res
	}
	if title == "" {
		return types.BadRequest("title is required")
	}
	var probe map[string]any
	if err := yaml.Unmarshal([]byte(topologyYAML), &probe); err != nil {
		return types.BadRequest(fmt.Sprintf("topology is not valid YAML: %v", err))
	}

	labID, err := client.ImportLab(ctx, title, topologyYAML)
	if err != nil {
		return types.BadRequest(err.Error())
	}
	h.afterLabMutation(ctx, agg, client)
	return types.OK(map[string]any{"worker_id": workerID, "lab_id": labID})
}

// DeleteLab removes a lab from the worker and drops its local record
func (h *Handlers) DeleteLab(ctx context.Context, workerID, labID string) types.OperationResult {
	agg, client, res := h.labTarget(workerID)
	if client == nil {
		return res
	}
	if err := client.DeleteLab(ctx, labID); err != nil && !cml.IsNotFound(err) {
		return types.BadRequest(err.Error())
	}
	if err := h.store.DeleteLabRecord(workerID, labID); err != nil {
		h.logger.Warn().Err(err).Str("worker_id", workerID).Str("lab_id", labID).
			Msg("Failed to remove lab record")
	}
	h.afterLabMutation(ctx, agg, client)
	return types.OK(map[string]any{"worker_id": workerID, "lab_id": labID, "deleted": true})
}

// DownloadLab returns the lab topology as YAML text
func (h *Handlers) DownloadLab(ctx context.Context, workerID, labID string) types.OperationResult {
	_, client, res := h.labTarget(workerID)
	if client == nil {
		return res
	}
	body, err := client.DownloadLab(ctx, labID)
	if err != nil {
		if cml.IsNotFound(err) {
			return types.BadRequest(fmt.Sprintf("lab %s not found", labID))
		}
		return types.BadRequest(err.Error())
	}
	return types.OK(map[string]any{"worker_id": workerID, "lab_id": labID, "topology": body})
}

// labTarget loads the worker and builds its lab client; a nil client
// means the returned result is the error to surface
func (h *Handlers) labTarget(workerID string) (*worker.Aggregate, LabAPI, types.OperationResult) {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return nil, nil, types.BadRequest("worker not found")
	}
	if agg.State().HTTPSEndpoint == "" {
		return nil, nil, types.BadRequest("worker has no https endpoint")
	}
	return agg, h.labClient(agg.State().HTTPSEndpoint), types.OperationResult{}
}

// afterLabMutation records activity and refreshes lab records unless a
// user refresh ran moments ago (debounce shares the throttle window)
func (h *Handlers) afterLabMutation(ctx context.Context, agg *worker.Aggregate, client LabAPI) {
	agg.RecordActivity(time.Now().UTC())
	if h.throttle.CanRefresh(agg.ID()) {
		if _, err := h.refreshLabs(ctx, agg.ID(), client); err != nil {
			h.logger.Warn().Err(err).Str("worker_id", agg.ID()).Msg("Post-action labs refresh failed")
		}
		h.throttle.Record(agg.ID())
	}
	if err := h.repo.Update(ctx, agg); err != nil {
		h.logger.Warn().Err(err).Str("worker_id", agg.ID()).Msg("Failed to persist activity")
	}
}
