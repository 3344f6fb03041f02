// Package command implements the write-side operations of the fleet
// manager. Every handler returns the uniform OperationResult envelope;
// side effects flow through aggregates and the repository so domain
// events publish only after a successful write.
package command

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/labfleet/pkg/cloud"
	"github.com/cuemby/labfleet/pkg/cml"
	"github.com/cuemby/labfleet/pkg/collector"
	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/repository"
	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/throttle"
)

// Job type names and stable ids used with the scheduler
const (
	JobNameFleetMetrics    = "fleet_metrics"
	JobNameLabsRefresh     = "labs_refresh"
	JobNameActivity        = "activity_detection"
	JobNameAutoImport      = "auto_import"
	JobNameOnDemandRefresh = "on_demand_refresh"
)

// FleetMetricsJobID is the stable id of the recurrent fleet refresh job
const FleetMetricsJobID = "recurrent_" + JobNameFleetMetrics

// OnDemandRefreshJobID derives the one-shot job id for a worker
func OnDemandRefreshJobID(workerID string) string {
	return JobNameOnDemandRefresh + "_" + workerID
}

// CloudAPI is the slice of the cloud client the commands use
type CloudAPI interface {
	collector.CloudAPI
	CreateInstance(ctx context.Context, region string, input cloud.CreateInstanceInput) (string, error)
	StartInstance(ctx context.Context, region, instanceID string) error
	StopInstance(ctx context.Context, region, instanceID string) error
	TerminateInstance(ctx context.Context, region, instanceID string) error
	FindImagesByNamePattern(ctx context.Context, region, pattern string) ([]*cloud.ImageDetails, error)
	ListInstancesByImage(ctx context.Context, region string, imageIDs []string) ([]*cloud.InstanceDetails, error)
}

// LabAPI is the per-worker lab service client surface
type LabAPI interface {
	SystemInfo(ctx context.Context) (*cml.SystemInformation, error)
	Health(ctx context.Context) (*cml.SystemHealth, error)
	Stats(ctx context.Context) (*cml.SystemStats, error)
	License(ctx context.Context) (*cml.Licensing, error)
	ListLabs(ctx context.Context) ([]string, error)
	GetLab(ctx context.Context, labID string) (*cml.LabDetails, error)
	StartLab(ctx context.Context, labID string) error
	StopLab(ctx context.Context, labID string) error
	WipeLab(ctx context.Context, labID string) error
	DeleteLab(ctx context.Context, labID string) error
	DownloadLab(ctx context.Context, labID string) (string, error)
	ImportLab(ctx context.Context, title, topologyYAML string) (string, error)
	TelemetryEvents(ctx context.Context) ([]cml.TelemetryEvent, error)
}

// LabClientFactory builds a lab client for one worker endpoint
type LabClientFactory func(endpoint string) LabAPI

// JobQueue is the slice of the scheduler the commands use
type JobQueue interface {
	ScheduleOnce(id, name string, runAt time.Time, data map[string]any) error
	NextFireTime(id string) (time.Time, bool)
	HasPendingWithin(id string, window time.Duration) bool
}

// Options carries configuration shared by the handlers
type Options struct {
	DefaultInstanceType    string
	ImageNamePattern       string
	UpcomingJobThreshold   time.Duration
	ChangeThresholdPercent float64
	MaxConcurrent          int
	CollectResourceMetrics bool
}

func (o *Options) applyDefaults() {
	if o.UpcomingJobThreshold <= 0 {
		o.UpcomingJobThreshold = 10 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
}

// Handlers bundles the command handlers and their collaborators
type Handlers struct {
	repo      *repository.WorkerRepository
	store     storage.Store
	cloud     CloudAPI
	labClient LabClientFactory
	throttle  *throttle.Throttle
	jobs      JobQueue
	collector *collector.Service
	publisher repository.EventPublisher
	opts      Options
	logger    zerolog.Logger

	// seenTelemetry de-duplicates the lab service's unfiltered event
	// history per worker, process-local
	mu            sync.Mutex
	seenTelemetry map[string]map[string]bool
}

// New wires the handlers. publisher may be nil to suppress lab events.
func New(repo *repository.WorkerRepository, store storage.Store, cloudAPI CloudAPI,
	labClient LabClientFactory, th *throttle.Throttle, jobs JobQueue,
	coll *collector.Service, publisher repository.EventPublisher, opts Options) *Handlers {
	opts.applyDefaults()
	return &Handlers{
		repo:          repo,
		store:         store,
		cloud:         cloudAPI,
		labClient:     labClient,
		throttle:      th,
		jobs:          jobs,
		collector:     coll,
		publisher:     publisher,
		opts:          opts,
		logger:        log.WithComponent("command"),
		seenTelemetry: make(map[string]map[string]bool),
	}
}
