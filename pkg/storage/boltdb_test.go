package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/labfleet/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewBoltStoreCreatesDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "var", "lib", "labfleet")

	store, err := NewBoltStore(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = os.Stat(filepath.Join(dataDir, "labfleet.db"))
	assert.NoError(t, err)
}

func TestWorkerCRUD(t *testing.T) {
	store := newTestStore(t)

	worker := &types.Worker{
		ID:         "w1",
		Name:       "lab-01",
		Region:     "us-east-1",
		InstanceID: "i-111",
		Status:     types.WorkerStatusPending,
	}
	require.NoError(t, store.CreateWorker(worker))

	got, err := store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, "lab-01", got.Name)
	assert.Equal(t, types.WorkerStatusPending, got.Status)
	assert.False(t, got.UpdatedAt.IsZero())

	got.Status = types.WorkerStatusRunning
	require.NoError(t, store.UpdateWorker(got))

	got, err = store.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusRunning, got.Status)

	require.NoError(t, store.DeleteWorker("w1"))
	_, err = store.GetWorker("w1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deletes are idempotent
	assert.NoError(t, store.DeleteWorker("w1"))
}

func TestWorkerSerializationRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cpu := 42.1
	mem := 61.0
	poll := 300
	now := time.Now().UTC().Truncate(time.Second)
	worker := &types.Worker{
		ID:                "w1",
		Name:              "lab-01",
		Region:            "eu-west-1",
		InstanceID:        "i-111",
		InstanceType:      "c5.2xlarge",
		ImageID:           "ami-123",
		PublicIP:          "54.1.2.3",
		PrivateIP:         "10.0.0.5",
		CloudTags:         map[string]string{"env": "lab", "team": "netops"},
		Status:            types.WorkerStatusRunning,
		ServiceStatus:     types.ServiceStatusAvailable,
		HTTPSEndpoint:     "https://54.1.2.3",
		CPUUtilization:    &cpu,
		MemoryUtilization: &mem,
		LabServiceVersion: "2.7.0",
		Ready:             true,
		LabsCount:         3,
		SystemInfo: &types.SystemInfo{
			Version: "2.7.0",
			Ready:   true,
			Computes: []types.ComputeStats{
				{CPUPercent: 40, MemoryPercent: 55, TotalNodes: 8, RunningNodes: 5},
			},
		},
		SystemHealth:           &types.SystemHealth{Valid: true, IsLicensed: true},
		LicenseInfo:            &types.LicenseInfo{RegistrationStatus: "COMPLETED", Features: []string{"base"}},
		LastActivityAt:         &now,
		IsIdleDetectionEnabled: true,
		AutoPauseCount:         2,
		PollIntervalSeconds:    &poll,
		NextRefreshAt:          &now,
	}
	require.NoError(t, store.CreateWorker(worker))

	got, err := store.GetWorker("w1")
	require.NoError(t, err)

	// updated_at is managed by the store
	worker.UpdatedAt = got.UpdatedAt
	assert.Equal(t, worker, got)
}

func TestGetWorkerByInstanceID(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateWorker(&types.Worker{ID: "w1", InstanceID: "i-111"}))
	require.NoError(t, store.CreateWorker(&types.Worker{ID: "w2", InstanceID: "i-222"}))

	got, err := store.GetWorkerByInstanceID("i-222")
	require.NoError(t, err)
	assert.Equal(t, "w2", got.ID)

	_, err = store.GetWorkerByInstanceID("i-999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkerFilters(t *testing.T) {
	store := newTestStore(t)

	workers := []*types.Worker{
		{ID: "w1", Region: "us-east-1", Status: types.WorkerStatusRunning},
		{ID: "w2", Region: "us-east-1", Status: types.WorkerStatusStopped},
		{ID: "w3", Region: "eu-west-1", Status: types.WorkerStatusRunning},
		{ID: "w4", Region: "eu-west-1", Status: types.WorkerStatusTerminated},
	}
	for _, w := range workers {
		require.NoError(t, store.CreateWorker(w))
	}

	running, err := store.ListWorkersByStatus(types.WorkerStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	east, err := store.ListWorkersByRegion("us-east-1")
	require.NoError(t, err)
	assert.Len(t, east, 2)

	active, err := store.ListActiveWorkers()
	require.NoError(t, err)
	assert.Len(t, active, 3)

	all, err := store.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestUpdateWorkersBatch(t *testing.T) {
	store := newTestStore(t)

	w1 := &types.Worker{ID: "w1", Status: types.WorkerStatusPending}
	w2 := &types.Worker{ID: "w2", Status: types.WorkerStatusPending}
	require.NoError(t, store.UpdateWorkers([]*types.Worker{w1, w2}))

	w1.Status = types.WorkerStatusRunning
	w2.Status = types.WorkerStatusStopped
	require.NoError(t, store.UpdateWorkers([]*types.Worker{w1, w2}))

	got, err := store.GetWorker("w2")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusStopped, got.Status)
}

func TestLabRecordCRUD(t *testing.T) {
	store := newTestStore(t)

	record := &types.LabRecord{
		LabID:       "lab-a",
		WorkerID:    "w1",
		Title:       "BGP basics",
		State:       "STARTED",
		NodeCount:   4,
		FirstSeenAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertLabRecord(record))

	got, err := store.GetLabRecord("w1", "lab-a")
	require.NoError(t, err)
	assert.Equal(t, "BGP basics", got.Title)

	require.NoError(t, store.DeleteLabRecord("w1", "lab-a"))
	_, err = store.GetLabRecord("w1", "lab-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListLabRecordsByWorkerUsesPrefix(t *testing.T) {
	store := newTestStore(t)

	records := []*types.LabRecord{
		{WorkerID: "w1", LabID: "lab-a"},
		{WorkerID: "w1", LabID: "lab-b"},
		{WorkerID: "w10", LabID: "lab-c"}, // shares a string prefix with w1
		{WorkerID: "w2", LabID: "lab-d"},
	}
	require.NoError(t, store.UpsertLabRecords(records))

	got, err := store.ListLabRecordsByWorker("w1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, "w1", r.WorkerID)
	}

	require.NoError(t, store.DeleteLabRecordsByWorker("w1"))
	got, err = store.ListLabRecordsByWorker("w1")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Neighbors untouched
	other, err := store.ListLabRecordsByWorker("w10")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestLabRecordHistoryBound(t *testing.T) {
	record := &types.LabRecord{WorkerID: "w1", LabID: "lab-a"}
	base := time.Now().UTC()

	for i := 0; i < types.MaxLabOperationHistory+20; i++ {
		record.RecordTransition(types.LabOperation{
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			PreviousState: "DEFINED_ON_CORE",
			NewState:      "STARTED",
		})
	}

	require.Len(t, record.OperationHistory, types.MaxLabOperationHistory)
	// Most recent entry survives eviction and is the newest
	last := record.OperationHistory[len(record.OperationHistory)-1]
	assert.Equal(t, base.Add(time.Duration(types.MaxLabOperationHistory+19)*time.Second), last.Timestamp)
	for i := 1; i < len(record.OperationHistory); i++ {
		assert.False(t, record.OperationHistory[i].Timestamp.Before(record.OperationHistory[i-1].Timestamp))
	}
}

func TestSystemSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSystemSettings()
	assert.ErrorIs(t, err, ErrNotFound)

	settings := &types.SystemSettings{
		WorkerProvisioning: types.WorkerProvisioningSettings{
			DefaultRegion:       "us-east-1",
			DefaultInstanceType: "c5.2xlarge",
			ImageNamePattern:    "cml-*",
		},
		Monitoring: types.MonitoringSettings{
			FleetRefreshIntervalSeconds: 300,
			ChangeThresholdPercent:      5.0,
		},
		IdleDetection: types.IdleDetectionSettings{
			Enabled:              true,
			IdleThresholdMinutes: 60,
		},
	}
	require.NoError(t, store.SaveSystemSettings(settings))

	got, err := store.GetSystemSettings()
	require.NoError(t, err)
	assert.Equal(t, "cml-*", got.WorkerProvisioning.ImageNamePattern)
	assert.Equal(t, 300, got.Monitoring.FleetRefreshIntervalSeconds)
}

func TestJobStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)

	job := &types.ScheduledJob{
		ID:        "on_demand_refresh_w1",
		Name:      "on_demand_refresh",
		Kind:      types.JobKindOneShot,
		NextRunAt: time.Now().Add(time.Second).UTC(),
		Data:      map[string]any{"worker_id": "w1"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveJob(job))
	require.NoError(t, store.Close())

	// Reopen: the pending job must still be there
	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetJob("on_demand_refresh_w1")
	require.NoError(t, err)
	assert.Equal(t, types.JobKindOneShot, got.Kind)
	assert.Equal(t, "w1", got.Data["worker_id"])

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, store.DeleteJob("on_demand_refresh_w1"))
	_, err = store.GetJob("on_demand_refresh_w1")
	assert.ErrorIs(t, err, ErrNotFound)
}
