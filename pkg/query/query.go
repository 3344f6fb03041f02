// Package query implements the read-side operations. Queries never
// mutate state and return the same OperationResult envelope as commands,
// with 404 for unknown entities.
package query

import (
	"errors"
	"time"

	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/types"
)

// Handlers bundles the read-side handlers over the store
type Handlers struct {
	store storage.Store
}

// New creates the query handlers
func New(store storage.Store) *Handlers {
	return &Handlers{store: store}
}

// WorkerView is a worker projection enriched with derived utilization
type WorkerView struct {
	*types.Worker
	DerivedCPUUtilization    *float64 `json:"derived_cpu_utilization,omitempty"`
	DerivedMemoryUtilization *float64 `json:"derived_memory_utilization,omitempty"`
}

// GetCMLWorkersByRegion lists workers in a region, optionally narrowed
// to one status. Terminated workers are excluded unless asked for.
func (h *Handlers) GetCMLWorkersByRegion(region string, status *types.WorkerStatus) types.OperationResult {
	if region == "" {
		return types.BadRequest("region is required")
	}
	workers, err := h.store.ListWorkersByRegion(region)
	if err != nil {
		return types.InternalError(err.Error())
	}

	views := make([]*WorkerView, 0, len(workers))
	for _, w := range workers {
		if status != nil {
			if w.Status != *status {
				continue
			}
		} else if w.IsTerminated() {
			continue
		}
		views = append(views, newWorkerView(w))
	}
	return types.OK(views)
}

// GetCMLWorkerByID looks a worker up by its id, falling back to the
// cloud instance id
func (h *Handlers) GetCMLWorkerByID(id string) types.OperationResult {
	if id == "" {
		return types.BadRequest("id is required")
	}
	w, err := h.store.GetWorker(id)
	if errors.Is(err, storage.ErrNotFound) {
		w, err = h.store.GetWorkerByInstanceID(id)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return types.NotFound("worker not found")
	}
	if err != nil {
		return types.InternalError(err.Error())
	}
	return types.OK(newWorkerView(w))
}

// GetWorkerLabs returns the cached lab records for a worker
func (h *Handlers) GetWorkerLabs(workerID string) types.OperationResult {
	if workerID == "" {
		return types.BadRequest("worker_id is required")
	}
	if _, err := h.store.GetWorker(workerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NotFound("worker not found")
		}
		return types.InternalError(err.Error())
	}
	records, err := h.store.ListLabRecordsByWorker(workerID)
	if err != nil {
		return types.InternalError(err.Error())
	}
	return types.OK(records)
}

// GetSystemSettings returns the persisted settings document, falling
// back to defaults when none was saved yet
func (h *Handlers) GetSystemSettings() types.OperationResult {
	settings, err := h.store.GetSystemSettings()
	if errors.Is(err, storage.ErrNotFound) {
		return types.OK(defaultSettings())
	}
	if err != nil {
		return types.InternalError(err.Error())
	}
	return types.OK(settings)
}

// newWorkerView derives display utilization: lab-service compute stats
// are preferred over cloud samples, both clamped to [0,100]
func newWorkerView(w *types.Worker) *WorkerView {
	view := &WorkerView{Worker: w}
	view.DerivedCPUUtilization = clamp(deriveCPU(w))
	view.DerivedMemoryUtilization = clamp(deriveMemory(w))
	return view
}

func deriveCPU(w *types.Worker) *float64 {
	if w.SystemInfo != nil && len(w.SystemInfo.Computes) > 0 {
		var sum float64
		for _, c := range w.SystemInfo.Computes {
			sum += c.CPUPercent
		}
		avg := sum / float64(len(w.SystemInfo.Computes))
		return &avg
	}
	return w.CPUUtilization
}

func deriveMemory(w *types.Worker) *float64 {
	if w.SystemInfo != nil && len(w.SystemInfo.Computes) > 0 {
		var sum float64
		for _, c := range w.SystemInfo.Computes {
			sum += c.MemoryPercent
		}
		avg := sum / float64(len(w.SystemInfo.Computes))
		return &avg
	}
	return w.MemoryUtilization
}

func clamp(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	if c < 0 {
		c = 0
	}
	if c > 100 {
		c = 100
	}
	return &c
}

func defaultSettings() *types.SystemSettings {
	return &types.SystemSettings{
		WorkerProvisioning: types.WorkerProvisioningSettings{
			DefaultRegion:       "us-east-1",
			DefaultInstanceType: "c5.2xlarge",
			ImageNamePattern:    "cml-*",
		},
		Monitoring: types.MonitoringSettings{
			FleetRefreshIntervalSeconds: 300,
			LabsRefreshIntervalSeconds:  1800,
			ChangeThresholdPercent:      5.0,
			CollectResourceMetrics:      true,
		},
		IdleDetection: types.IdleDetectionSettings{
			IdleThresholdMinutes:  60,
			PauseGraceMinutes:     10,
			DetectionIntervalSecs: 1800,
		},
		UpdatedAt: time.Now().UTC(),
	}
}
