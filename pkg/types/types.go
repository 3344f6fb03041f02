package types

import (
	"time"
)

// WorkerStatus represents the lifecycle state of a worker appliance
type WorkerStatus string

const (
	WorkerStatusPending      WorkerStatus = "pending"
	WorkerStatusRunning      WorkerStatus = "running"
	WorkerStatusStopping     WorkerStatus = "stopping"
	WorkerStatusStopped      WorkerStatus = "stopped"
	WorkerStatusShuttingDown WorkerStatus = "shutting-down"
	WorkerStatusTerminated   WorkerStatus = "terminated"
	WorkerStatusUnknown      WorkerStatus = "unknown"
)

// ServiceStatus represents reachability of the lab HTTPS API on a worker
type ServiceStatus string

const (
	ServiceStatusAvailable   ServiceStatus = "available"
	ServiceStatusUnavailable ServiceStatus = "unavailable"
	ServiceStatusError       ServiceStatus = "error"
)

// Worker is the persisted projection of one managed lab appliance.
// Mutation happens only through the worker.Aggregate wrapper; everything
// here is plain data serialized into the workers bucket.
type Worker struct {
	// Identity
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`

	// Cloud
	Region       string            `json:"region"`
	InstanceID   string            `json:"instance_id,omitempty"`
	InstanceType string            `json:"instance_type"`
	ImageID      string            `json:"image_id"`
	ImageName    string            `json:"image_name,omitempty"`
	PublicIP     string            `json:"public_ip,omitempty"`
	PrivateIP    string            `json:"private_ip,omitempty"`
	CloudTags    map[string]string `json:"cloud_tags,omitempty"`

	// Lifecycle
	Status        WorkerStatus  `json:"status"`
	ServiceStatus ServiceStatus `json:"service_status"`
	HTTPSEndpoint string        `json:"https_endpoint,omitempty"`

	// Cloud health
	InstanceStateDetail       string `json:"instance_state_detail,omitempty"`
	SystemStatusCheck         string `json:"system_status_check,omitempty"`
	DetailedMonitoringEnabled bool   `json:"detailed_monitoring_enabled"`

	// Resource metrics sampled from cloud telemetry
	CPUUtilization        *float64   `json:"cpu_utilization,omitempty"`
	MemoryUtilization     *float64   `json:"memory_utilization,omitempty"`
	CloudwatchCollectedAt *time.Time `json:"cloudwatch_last_collected_at,omitempty"`

	// Lab service metrics
	LabServiceVersion string        `json:"lab_service_version,omitempty"`
	Ready             bool          `json:"ready"`
	LabsCount         int           `json:"labs_count"`
	LicenseInfo       *LicenseInfo  `json:"license_info,omitempty"`
	SystemInfo        *SystemInfo   `json:"system_info,omitempty"`
	SystemHealth      *SystemHealth `json:"system_health,omitempty"`
	LastSyncedAt      *time.Time    `json:"last_synced_at,omitempty"`

	// Activity / idle detection
	LastActivityAt         *time.Time `json:"last_activity_at,omitempty"`
	IsIdleDetectionEnabled bool       `json:"is_idle_detection_enabled"`
	TargetPauseAt          *time.Time `json:"target_pause_at,omitempty"`

	// Pause / resume audit
	AutoPauseCount    int        `json:"auto_pause_count"`
	ManualPauseCount  int        `json:"manual_pause_count"`
	AutoResumeCount   int        `json:"auto_resume_count"`
	ManualResumeCount int        `json:"manual_resume_count"`
	LastPausedAt      *time.Time `json:"last_paused_at,omitempty"`
	LastResumedAt     *time.Time `json:"last_resumed_at,omitempty"`
	PauseReason       string     `json:"pause_reason,omitempty"`
	PausedBy          string     `json:"paused_by,omitempty"`

	// Refresh timing hints for the UI countdown
	PollIntervalSeconds *int       `json:"poll_interval,omitempty"`
	NextRefreshAt       *time.Time `json:"next_refresh_at,omitempty"`

	// Terminal
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
	TerminatedBy string     `json:"terminated_by,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminated reports whether the worker reached its terminal state
func (w *Worker) IsTerminated() bool {
	return w.Status == WorkerStatusTerminated
}

// LicenseInfo mirrors the lab service licensing endpoint
type LicenseInfo struct {
	RegistrationStatus  string   `json:"registration_status,omitempty"`
	AuthorizationStatus string   `json:"authorization_status,omitempty"`
	ProductLicense      string   `json:"product_license,omitempty"`
	Features            []string `json:"features,omitempty"`
	UDI                 string   `json:"udi,omitempty"`
}

// ComputeStats holds per-compute resource statistics from system_stats
type ComputeStats struct {
	Hostname        string  `json:"hostname,omitempty"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskPercent     float64 `json:"disk_percent"`
	AllocatedCPUs   int     `json:"allocated_cpus"`
	AllocatedMemory int64   `json:"allocated_memory"`
	TotalNodes      int     `json:"total_nodes"`
	RunningNodes    int     `json:"running_nodes"`
}

// SystemInfo aggregates version and per-compute statistics from the lab service
type SystemInfo struct {
	Version  string         `json:"version,omitempty"`
	Ready    bool           `json:"ready"`
	Computes []ComputeStats `json:"computes,omitempty"`
}

// SystemHealth mirrors the lab service system_health endpoint
type SystemHealth struct {
	Valid        bool `json:"valid"`
	IsLicensed   bool `json:"is_licensed"`
	IsEnterprise bool `json:"is_enterprise"`
	Computes     bool `json:"computes"`
	Controller   bool `json:"controller"`
}

// MaxLabOperationHistory bounds the per-lab state transition ring buffer
const MaxLabOperationHistory = 50

// LabOperation is one recorded state transition of a lab
type LabOperation struct {
	Timestamp     time.Time `json:"timestamp"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
}

// LabRecord is the most recent snapshot of one lab hosted on a worker,
// identified by (worker_id, lab_id)
type LabRecord struct {
	LabID                string         `json:"lab_id"`
	WorkerID             string         `json:"worker_id"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Notes                string         `json:"notes,omitempty"`
	State                string         `json:"state"`
	OwnerUsername        string         `json:"owner_username,omitempty"`
	OwnerFullName        string         `json:"owner_full_name,omitempty"`
	NodeCount            int            `json:"node_count"`
	LinkCount            int            `json:"link_count"`
	Groups               []string       `json:"groups,omitempty"`
	LabServiceCreatedAt  *time.Time     `json:"lab_service_created_at,omitempty"`
	LabServiceModifiedAt *time.Time     `json:"lab_service_modified_at,omitempty"`
	FirstSeenAt          time.Time      `json:"first_seen_at"`
	LastSyncedAt         time.Time      `json:"last_synced_at"`
	OperationHistory     []LabOperation `json:"operation_history,omitempty"`
}

// Key returns the composite storage key for this record
func (r *LabRecord) Key() string {
	return r.WorkerID + "/" + r.LabID
}

// RecordTransition appends a state transition to the bounded history,
// evicting the oldest entries beyond MaxLabOperationHistory
func (r *LabRecord) RecordTransition(op LabOperation) {
	r.OperationHistory = append(r.OperationHistory, op)
	if n := len(r.OperationHistory); n > MaxLabOperationHistory {
		r.OperationHistory = r.OperationHistory[n-MaxLabOperationHistory:]
	}
}

// SystemSettings is the single persisted settings document
type SystemSettings struct {
	WorkerProvisioning WorkerProvisioningSettings `json:"worker_provisioning"`
	Monitoring         MonitoringSettings         `json:"monitoring"`
	IdleDetection      IdleDetectionSettings      `json:"idle_detection"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// WorkerProvisioningSettings controls instance creation and auto-import
type WorkerProvisioningSettings struct {
	DefaultRegion       string `json:"default_region"`
	DefaultInstanceType string `json:"default_instance_type"`
	ImageNamePattern    string `json:"image_name_pattern"`
	AutoImportEnabled   bool   `json:"auto_import_enabled"`
}

// MonitoringSettings controls refresh cadence and change detection
type MonitoringSettings struct {
	FleetRefreshIntervalSeconds int     `json:"fleet_refresh_interval_seconds"`
	LabsRefreshIntervalSeconds  int     `json:"labs_refresh_interval_seconds"`
	ChangeThresholdPercent      float64 `json:"change_threshold_percent"`
	CollectResourceMetrics      bool    `json:"collect_resource_metrics"`
}

// IdleDetectionSettings controls auto-pause behavior
type IdleDetectionSettings struct {
	Enabled               bool `json:"enabled"`
	IdleThresholdMinutes  int  `json:"idle_threshold_minutes"`
	PauseGraceMinutes     int  `json:"pause_grace_minutes"`
	DetectionIntervalSecs int  `json:"detection_interval_seconds"`
}

// MetricsResult is the structured outcome of one metrics collection pass
type MetricsResult struct {
	WorkerID          string   `json:"worker_id"`
	StatusUpdated     bool     `json:"status_updated"`
	CloudState        string   `json:"cloud_state,omitempty"`
	CPUUtilization    *float64 `json:"cpu_utilization,omitempty"`
	MemoryUtilization *float64 `json:"memory_utilization,omitempty"`
	MetricsCollected  bool     `json:"metrics_collected"`
	Error             string   `json:"error,omitempty"`
}

// Event is the wire envelope fanned out on the pub/sub bus and to subscribers
type Event struct {
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data"`
}

// WorkerID extracts the worker id from the event payload, if present
func (e *Event) WorkerID() string {
	if e.Data == nil {
		return ""
	}
	id, _ := e.Data["worker_id"].(string)
	return id
}
