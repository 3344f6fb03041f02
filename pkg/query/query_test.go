package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/types"
)

func newTestHandlers(t *testing.T) (*Handlers, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func f64(v float64) *float64 { return &v }

func seedWorker(t *testing.T, store storage.Store, w *types.Worker) {
	t.Helper()
	require.NoError(t, store.CreateWorker(w))
}

func TestGetWorkersByRegionExcludesTerminated(t *testing.T) {
	h, store := newTestHandlers(t)
	seedWorker(t, store, &types.Worker{ID: "w1", Region: "us-east-1", Status: types.WorkerStatusRunning})
	seedWorker(t, store, &types.Worker{ID: "w2", Region: "us-east-1", Status: types.WorkerStatusTerminated})
	seedWorker(t, store, &types.Worker{ID: "w3", Region: "eu-central-1", Status: types.WorkerStatusRunning})

	res := h.GetCMLWorkersByRegion("us-east-1", nil)
	require.True(t, res.Success())
	views := res.Data.([]*WorkerView)
	require.Len(t, views, 1)
	assert.Equal(t, "w1", views[0].ID)
}

func TestGetWorkersByRegionStatusFilter(t *testing.T) {
	h, store := newTestHandlers(t)
	seedWorker(t, store, &types.Worker{ID: "w1", Region: "us-east-1", Status: types.WorkerStatusRunning})
	seedWorker(t, store, &types.Worker{ID: "w2", Region: "us-east-1", Status: types.WorkerStatusStopped})

	stopped := types.WorkerStatusStopped
	res := h.GetCMLWorkersByRegion("us-east-1", &stopped)
	views := res.Data.([]*WorkerView)
	require.Len(t, views, 1)
	assert.Equal(t, "w2", views[0].ID)
}

func TestDerivedUtilizationPrefersLabMetrics(t *testing.T) {
	h, store := newTestHandlers(t)
	seedWorker(t, store, &types.Worker{
		ID: "w1", Region: "us-east-1", Status: types.WorkerStatusRunning,
		CPUUtilization:    f64(10),
		MemoryUtilization: f64(20),
		SystemInfo: &types.SystemInfo{Computes: []types.ComputeStats{
			{CPUPercent: 40, MemoryPercent: 60},
			{CPUPercent: 60, MemoryPercent: 80},
		}},
	})

	res := h.GetCMLWorkerByID("w1")
	require.True(t, res.Success())
	view := res.Data.(*WorkerView)
	require.NotNil(t, view.DerivedCPUUtilization)
	assert.Equal(t, 50.0, *view.DerivedCPUUtilization)
	assert.Equal(t, 70.0, *view.DerivedMemoryUtilization)
}

func TestDerivedUtilizationFallsBackToCloudAndClamps(t *testing.T) {
	h, store := newTestHandlers(t)
	seedWorker(t, store, &types.Worker{
		ID: "w1", Region: "us-east-1", Status: types.WorkerStatusRunning,
		CPUUtilization: f64(123.4),
	})

	res := h.GetCMLWorkerByID("w1")
	view := res.Data.(*WorkerView)
	require.NotNil(t, view.DerivedCPUUtilization)
	assert.Equal(t, 100.0, *view.DerivedCPUUtilization)
	assert.Nil(t, view.DerivedMemoryUtilization)
}

func TestGetWorkerByInstanceIDFallback(t *testing.T) {
	h, store := newTestHandlers(t)
	seedWorker(t, store, &types.Worker{ID: "w1", InstanceID: "i-abc", Region: "us-east-1", Status: types.WorkerStatusRunning})

	byID := h.GetCMLWorkerByID("w1")
	require.True(t, byID.Success())

	byInstance := h.GetCMLWorkerByID("i-abc")
	require.True(t, byInstance.Success())
	assert.Equal(t, "w1", byInstance.Data.(*WorkerView).ID)

	missing := h.GetCMLWorkerByID("nope")
	assert.Equal(t, 404, missing.StatusCode)
}

func TestGetWorkerLabs(t *testing.T) {
	h, store := newTestHandlers(t)
	seedWorker(t, store, &types.Worker{ID: "w1", Region: "us-east-1", Status: types.WorkerStatusRunning})
	require.NoError(t, store.UpsertLabRecord(&types.LabRecord{WorkerID: "w1", LabID: "lab-1", Title: "demo"}))

	res := h.GetWorkerLabs("w1")
	require.True(t, res.Success())
	records := res.Data.([]*types.LabRecord)
	require.Len(t, records, 1)
	assert.Equal(t, "lab-1", records[0].LabID)

	missing := h.GetWorkerLabs("absent")
	assert.Equal(t, 404, missing.StatusCode)
}

func TestGetSystemSettingsDefaults(t *testing.T) {
	h, store := newTestHandlers(t)

	res := h.GetSystemSettings()
	require.True(t, res.Success())
	settings := res.Data.(*types.SystemSettings)
	assert.Equal(t, 300, settings.Monitoring.FleetRefreshIntervalSeconds)

	settings.Monitoring.FleetRefreshIntervalSeconds = 60
	require.NoError(t, store.SaveSystemSettings(settings))

	res = h.GetSystemSettings()
	assert.Equal(t, 60, res.Data.(*types.SystemSettings).Monitoring.FleetRefreshIntervalSeconds)
}
