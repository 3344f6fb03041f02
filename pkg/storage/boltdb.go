package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/labfleet/pkg/types"
)

var (
	// Bucket names
	bucketWorkers        = []byte("workers")
	bucketLabRecords     = []byte("lab_records")
	bucketSystemSettings = []byte("system_settings")
	bucketJobs           = []byte("jobs")

	// system_settings is a single document under a fixed key
	keySystemSettings = []byte("settings")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store. The data directory is
// created if it does not exist; the database file inside it is always
// named labfleet.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "labfleet.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkers,
			bucketLabRecords,
			bucketSystemSettings,
			bucketJobs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Worker operations
func (s *BoltStore) CreateWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putWorker(tx, worker)
	})
}

func putWorker(tx *bolt.Tx, worker *types.Worker) error {
	b := tx.Bucket(bucketWorkers)
	worker.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(worker)
	if err != nil {
		return err
	}
	return b.Put([]byte(worker.ID), data)
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// GetWorkerByInstanceID performs the unique secondary lookup on the cloud
// instance id by scanning the bucket; the fleet is small enough that a
// materialized index is not worth the write amplification
func (s *BoltStore) GetWorkerByInstanceID(instanceID string) (*types.Worker, error) {
	var found *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			if worker.InstanceID == instanceID {
				found = &worker
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("worker with instance %s: %w", instanceID, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	return s.listWorkers(func(*types.Worker) bool { return true })
}

func (s *BoltStore) ListWorkersByStatus(status types.WorkerStatus) ([]*types.Worker, error) {
	return s.listWorkers(func(w *types.Worker) bool { return w.Status == status })
}

func (s *BoltStore) ListWorkersByRegion(region string) ([]*types.Worker, error) {
	return s.listWorkers(func(w *types.Worker) bool { return w.Region == region })
}

// ListActiveWorkers returns all workers that have not reached the
// terminal state
func (s *BoltStore) ListActiveWorkers() ([]*types.Worker, error) {
	return s.listWorkers(func(w *types.Worker) bool { return !w.IsTerminated() })
}

func (s *BoltStore) listWorkers(match func(*types.Worker) bool) ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			if match(&worker) {
				workers = append(workers, &worker)
			}
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) UpdateWorker(worker *types.Worker) error {
	return s.CreateWorker(worker) // Same as create (upsert)
}

// UpdateWorkers persists a batch in one transaction
func (s *BoltStore) UpdateWorkers(workers []*types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, worker := range workers {
			if err := putWorker(tx, worker); err != nil {
				return fmt.Errorf("failed to update worker %s: %w", worker.ID, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(id))
	})
}

// Lab record operations; keys are "<worker_id>/<lab_id>"
func (s *BoltStore) UpsertLabRecord(record *types.LabRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putLabRecord(tx, record)
	})
}

func putLabRecord(tx *bolt.Tx, record *types.LabRecord) error {
	b := tx.Bucket(bucketLabRecords)
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.Put([]byte(record.Key()), data)
}

func (s *BoltStore) UpsertLabRecords(records []*types.LabRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, record := range records {
			if err := putLabRecord(tx, record); err != nil {
				return fmt.Errorf("failed to upsert lab record %s: %w", record.Key(), err)
			}
		}
		return nil
	})
}

func (s *BoltStore) GetLabRecord(workerID, labID string) (*types.LabRecord, error) {
	var record types.LabRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabRecords)
		data := b.Get([]byte(workerID + "/" + labID))
		if data == nil {
			return fmt.Errorf("lab record %s/%s: %w", workerID, labID, ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListLabRecordsByWorker(workerID string) ([]*types.LabRecord, error) {
	var records []*types.LabRecord
	prefix := []byte(workerID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLabRecords).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var record types.LabRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) DeleteLabRecord(workerID, labID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabRecords)
		return b.Delete([]byte(workerID + "/" + labID))
	})
}

func (s *BoltStore) DeleteLabRecordsByWorker(workerID string) error {
	prefix := []byte(workerID + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLabRecords).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// System settings operations
func (s *BoltStore) GetSystemSettings() (*types.SystemSettings, error) {
	var settings types.SystemSettings
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystemSettings)
		data := b.Get(keySystemSettings)
		if data == nil {
			return fmt.Errorf("system settings: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *BoltStore) SaveSystemSettings(settings *types.SystemSettings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystemSettings)
		settings.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		return b.Put(keySystemSettings, data)
	})
}

// Job operations
func (s *BoltStore) SaveJob(job *types.ScheduledJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		job.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.ScheduledJob, error) {
	var job types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.ScheduledJob, error) {
	var jobs []*types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.ScheduledJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.Delete([]byte(id))
	})
}
