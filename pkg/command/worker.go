package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/labfleet/pkg/cloud"
	"github.com/cuemby/labfleet/pkg/collector"
	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/types"
	"github.com/cuemby/labfleet/pkg/worker"
)

// CreateWorker provisions a fresh cloud instance and registers a Pending
// aggregate bound to it
func (h *Handlers) CreateWorker(ctx context.Context, name, region, instanceType, imageID, createdBy string) types.OperationResult {
	if name == "" || region == "" {
		return types.BadRequest("name and region are required")
	}
	if instanceType == "" {
		instanceType = h.opts.DefaultInstanceType
	}

	imageName := ""
	if imageID == "" {
		img, err := h.resolveImage(ctx, region)
		if err != nil {
			return types.BadRequest(err.Error())
		}
		imageID = img.ImageID
		imageName = img.Name
	}

	agg := worker.New(name, region, instanceType, imageID, imageName, createdBy)
	instanceID, err := h.cloud.CreateInstance(ctx, region, cloud.CreateInstanceInput{
		Name:         name,
		InstanceType: instanceType,
		ImageID:      imageID,
		Tags:         map[string]string{"labfleet:worker_id": agg.ID()},
	})
	if err != nil {
		return types.BadRequest(fmt.Sprintf("failed to provision instance: %v", err))
	}
	if err := agg.AssignInstance(instanceID, "", ""); err != nil {
		return types.InternalError(err.Error())
	}
	if err := h.repo.Add(ctx, agg); err != nil {
		return types.InternalError(err.Error())
	}
	h.logger.Info().Str("worker_id", agg.ID()).Str("instance_id", instanceID).
		Str("region", region).Msg("Worker created")
	return types.OK(agg.State())
}

// ImportWorker adopts an existing cloud instance as a managed worker.
// The instance is located by id, image id, or image name pattern.
func (h *Handlers) ImportWorker(ctx context.Context, region, instanceID, imageID, imageName, name, importedBy string) types.OperationResult {
	if region == "" {
		return types.BadRequest("region is required")
	}
	if instanceID == "" && imageID == "" && imageName == "" {
		return types.BadRequest("one of instance_id, image_id or image_name is required")
	}

	var details *cloud.InstanceDetails
	if instanceID != "" {
		d, err := h.cloud.DescribeInstance(ctx, region, instanceID)
		if err != nil {
			if errors.Is(err, cloud.ErrInstanceNotFound) {
				return types.BadRequest(fmt.Sprintf("instance %s not found in %s", instanceID, region))
			}
			return types.InternalError(err.Error())
		}
		details = d
	} else {
		instances, err := h.findInstances(ctx, region, imageID, imageName)
		if err != nil {
			return types.BadRequest(err.Error())
		}
		if len(instances) == 0 {
			return types.BadRequest("no matching instances found")
		}
		details = instances[0]
	}

	if _, err := h.repo.GetByInstanceID(details.InstanceID); err == nil {
		return types.BadRequest("Already registered as CML Worker")
	}

	agg := h.importInstance(ctx, region, details, name, importedBy)
	if err := h.repo.Add(ctx, agg); err != nil {
		return types.InternalError(err.Error())
	}
	h.logger.Info().Str("worker_id", agg.ID()).Str("instance_id", details.InstanceID).Msg("Worker imported")
	return types.OK(agg.State())
}

// BulkImportResult summarizes one bulk import run
type BulkImportResult struct {
	TotalFound    int             `json:"total_found"`
	TotalImported int             `json:"total_imported"`
	TotalSkipped  int             `json:"total_skipped"`
	Imported      []string        `json:"imported,omitempty"`
	Skipped       []SkippedImport `json:"skipped,omitempty"`
}

// SkippedImport names one instance that was not imported and why
type SkippedImport struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
}

// BulkImportWorkers imports every matching unregistered instance in the
// region. Already-registered instances are skipped; when the cloud says
// one is shutting down or gone while the local record disagrees, the
// local status is corrected.
func (h *Handlers) BulkImportWorkers(ctx context.Context, region, imageID, imageName, importedBy string) types.OperationResult {
	if region == "" {
		return types.BadRequest("region is required")
	}
	if imageID == "" && imageName == "" {
		return types.BadRequest("one of image_id or image_name is required")
	}

	instances, err := h.findInstances(ctx, region, imageID, imageName)
	if err != nil {
		return types.BadRequest(err.Error())
	}

	result := &BulkImportResult{TotalFound: len(instances)}
	for _, details := range instances {
		existing, err := h.repo.GetByInstanceID(details.InstanceID)
		if err == nil {
			mapped := collector.MapCloudState(details.State)
			if mapped == types.WorkerStatusTerminated && !existing.State().IsTerminated() {
				existing.UpdateStatus(mapped)
				if err := h.repo.Update(ctx, existing); err != nil {
					h.logger.Warn().Err(err).Str("worker_id", existing.ID()).Msg("Failed to correct status")
				}
			}
			result.TotalSkipped++
			result.Skipped = append(result.Skipped, SkippedImport{
				InstanceID: details.InstanceID,
				Reason:     "Already registered as CML Worker",
			})
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			result.TotalSkipped++
			result.Skipped = append(result.Skipped, SkippedImport{InstanceID: details.InstanceID, Reason: err.Error()})
			continue
		}

		agg := h.importInstance(ctx, region, details, "", importedBy)
		if err := h.repo.Add(ctx, agg); err != nil {
			result.TotalSkipped++
			result.Skipped = append(result.Skipped, SkippedImport{InstanceID: details.InstanceID, Reason: err.Error()})
			continue
		}
		result.TotalImported++
		result.Imported = append(result.Imported, agg.ID())
	}
	return types.OK(result)
}

// StartWorker starts a stopped worker's instance and records the resume
func (h *Handlers) StartWorker(ctx context.Context, workerID, startedBy string, auto bool) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}
	state := agg.State()
	if state.IsTerminated() {
		return types.BadRequest("worker is terminated")
	}
	if state.Status == types.WorkerStatusRunning || state.Status == types.WorkerStatusPending {
		return types.OK(map[string]any{"worker_id": workerID, "status": state.Status, "detail": "already starting or running"})
	}
	if state.InstanceID == "" {
		return types.BadRequest("worker has no instance")
	}

	if err := h.cloud.StartInstance(ctx, state.Region, state.InstanceID); err != nil {
		return types.BadRequest(fmt.Sprintf("failed to start instance: %v", err))
	}
	agg.Resume("started", startedBy, auto)
	agg.UpdateStatus(types.WorkerStatusPending)
	if err := h.repo.Update(ctx, agg); err != nil {
		return types.InternalError(err.Error())
	}
	return types.OK(agg.State())
}

// StopWorker stops a running worker's instance and records the pause.
// Stopping an already stopped worker is a no-op success without a cloud
// call.
func (h *Handlers) StopWorker(ctx context.Context, workerID, reason, stoppedBy string, auto bool) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}
	state := agg.State()
	if state.IsTerminated() {
		return types.BadRequest("worker is terminated")
	}
	if state.Status == types.WorkerStatusStopped || state.Status == types.WorkerStatusStopping {
		return types.OK(map[string]any{"worker_id": workerID, "status": state.Status, "detail": "already stopped"})
	}
	if state.InstanceID == "" {
		return types.BadRequest("worker has no instance")
	}

	if err := h.cloud.StopInstance(ctx, state.Region, state.InstanceID); err != nil {
		return types.BadRequest(fmt.Sprintf("failed to stop instance: %v", err))
	}
	agg.Pause(reason, stoppedBy, auto)
	agg.UpdateStatus(types.WorkerStatusStopping)
	if err := h.repo.Update(ctx, agg); err != nil {
		return types.InternalError(err.Error())
	}
	return types.OK(agg.State())
}

// TerminateWorker terminates the cloud instance and marks the aggregate
// Terminated. A missing instance is logged and the local transition
// proceeds.
func (h *Handlers) TerminateWorker(ctx context.Context, workerID, terminatedBy string) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}
	state := agg.State()
	if state.InstanceID != "" && !state.IsTerminated() {
		if err := h.cloud.TerminateInstance(ctx, state.Region, state.InstanceID); err != nil {
			if !errors.Is(err, cloud.ErrInstanceNotFound) {
				return types.BadRequest(fmt.Sprintf("failed to terminate instance: %v", err))
			}
			h.logger.Warn().Str("worker_id", workerID).Str("instance_id", state.InstanceID).
				Msg("Instance already gone, terminating locally")
		}
	}
	agg.Terminate(terminatedBy)
	if err := h.repo.Update(ctx, agg); err != nil {
		return types.InternalError(err.Error())
	}
	h.throttle.Forget(workerID)
	return types.OK(agg.State())
}

// DeleteWorker removes the worker record and its lab records, optionally
// terminating the instance first. Terminal events publish before the
// record disappears.
func (h *Handlers) DeleteWorker(ctx context.Context, workerID string, terminateInstance bool, deletedBy string) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}
	state := agg.State()
	if terminateInstance && state.InstanceID != "" && !state.IsTerminated() {
		if err := h.cloud.TerminateInstance(ctx, state.Region, state.InstanceID); err != nil &&
			!errors.Is(err, cloud.ErrInstanceNotFound) {
			return types.BadRequest(fmt.Sprintf("failed to terminate instance: %v", err))
		}
	}
	agg.Terminate(deletedBy)
	if err := h.repo.Update(ctx, agg); err != nil {
		return types.InternalError(err.Error())
	}
	if err := h.repo.Delete(workerID); err != nil {
		return types.InternalError(err.Error())
	}
	h.throttle.Forget(workerID)
	h.logger.Info().Str("worker_id", workerID).Bool("terminated_instance", terminateInstance).Msg("Worker deleted")
	return types.OK(map[string]any{"worker_id": workerID, "deleted": true})
}

// EnableIdleDetection turns on auto-pause for a worker; idempotent
func (h *Handlers) EnableIdleDetection(ctx context.Context, workerID string) types.OperationResult {
	return h.setIdleDetection(ctx, workerID, true)
}

// DisableIdleDetection turns off auto-pause for a worker; idempotent
func (h *Handlers) DisableIdleDetection(ctx context.Context, workerID string) types.OperationResult {
	return h.setIdleDetection(ctx, workerID, false)
}

func (h *Handlers) setIdleDetection(ctx context.Context, workerID string, enabled bool) types.OperationResult {
	agg, err := h.repo.Get(workerID)
	if err != nil {
		return types.BadRequest("worker not found")
	}
	if agg.SetIdleDetection(enabled) {
		if err := h.repo.Update(ctx, agg); err != nil {
			return types.InternalError(err.Error())
		}
	}
	return types.OK(map[string]any{"worker_id": workerID, "idle_detection_enabled": enabled})
}

// UpdateSystemSettings replaces the persisted settings document
func (h *Handlers) UpdateSystemSettings(_ context.Context, settings *types.SystemSettings) types.OperationResult {
	if settings == nil {
		return types.BadRequest("settings body is required")
	}
	if settings.Monitoring.ChangeThresholdPercent < 0 {
		return types.BadRequest("change_threshold_percent must not be negative")
	}
	settings.UpdatedAt = time.Now().UTC()
	if err := h.store.SaveSystemSettings(settings); err != nil {
		return types.InternalError(err.Error())
	}
	return types.OK(settings)
}

// importInstance builds an Imported aggregate from cloud details and
// enriches it with whatever the cloud reported
func (h *Handlers) importInstance(ctx context.Context, region string, details *cloud.InstanceDetails, name, importedBy string) *worker.Aggregate {
	if name == "" {
		if n, ok := details.Tags["Name"]; ok && n != "" {
			name = n
		} else {
			name = details.InstanceID
		}
	}
	status := collector.MapCloudState(details.State)
	agg := worker.NewImported(name, region, details.InstanceID, details.InstanceType, details.ImageID, status, importedBy)

	imageName := ""
	if details.ImageID != "" {
		if img, err := h.cloud.DescribeImage(ctx, region, details.ImageID); err == nil && img != nil {
			imageName = img.Name
		}
	}
	agg.UpdateInstanceDetails(details.InstanceType, details.ImageID, imageName, details.PublicIP, details.PrivateIP)
	agg.UpdateCloudTags(details.Tags)
	return agg
}

// resolveImage picks the most recently created image matching the
// configured name pattern
func (h *Handlers) resolveImage(ctx context.Context, region string) (*cloud.ImageDetails, error) {
	if h.opts.ImageNamePattern == "" {
		return nil, fmt.Errorf("no image configured for region %s", region)
	}
	images, err := h.cloud.FindImagesByNamePattern(ctx, region, h.opts.ImageNamePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image: %w", err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no image configured for region %s", region)
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreationDate > images[j].CreationDate
	})
	return images[0], nil
}

// findInstances resolves the image set then lists live instances from it
func (h *Handlers) findInstances(ctx context.Context, region, imageID, imageName string) ([]*cloud.InstanceDetails, error) {
	imageIDs := []string{imageID}
	if imageID == "" {
		images, err := h.cloud.FindImagesByNamePattern(ctx, region, imageName)
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			return nil, fmt.Errorf("no images match %q in %s", imageName, region)
		}
		imageIDs = imageIDs[:0]
		for _, img := range images {
			imageIDs = append(imageIDs, img.ImageID)
		}
	}
	return h.cloud.ListInstancesByImage(ctx, region, imageIDs)
}
