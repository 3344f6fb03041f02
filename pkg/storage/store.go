package storage

import (
	"errors"

	"github.com/cuemby/labfleet/pkg/types"
)

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for fleet state storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Workers
	CreateWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	GetWorkerByInstanceID(instanceID string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	ListWorkersByStatus(status types.WorkerStatus) ([]*types.Worker, error)
	ListWorkersByRegion(region string) ([]*types.Worker, error)
	ListActiveWorkers() ([]*types.Worker, error)
	UpdateWorker(worker *types.Worker) error
	UpdateWorkers(workers []*types.Worker) error
	DeleteWorker(id string) error

	// Lab records, keyed by (worker_id, lab_id)
	UpsertLabRecord(record *types.LabRecord) error
	UpsertLabRecords(records []*types.LabRecord) error
	GetLabRecord(workerID, labID string) (*types.LabRecord, error)
	ListLabRecordsByWorker(workerID string) ([]*types.LabRecord, error)
	DeleteLabRecord(workerID, labID string) error
	DeleteLabRecordsByWorker(workerID string) error

	// System settings, single document
	GetSystemSettings() (*types.SystemSettings, error)
	SaveSystemSettings(settings *types.SystemSettings) error

	// Persistent job store
	SaveJob(job *types.ScheduledJob) error
	GetJob(id string) (*types.ScheduledJob, error)
	ListJobs() ([]*types.ScheduledJob, error)
	DeleteJob(id string) error

	// Utility
	Close() error
}
