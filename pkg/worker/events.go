package worker

import (
	"time"

	"github.com/cuemby/labfleet/pkg/types"
)

// Event type names as they appear on the wire. Dot-separated, present-tense.
const (
	EventWorkerCreated              = "worker.created"
	EventWorkerImported             = "worker.imported"
	EventWorkerStatusUpdated        = "worker.status.updated"
	EventWorkerServiceStatusUpdated = "worker.service_status.updated"
	EventWorkerInstanceAssigned     = "worker.instance.assigned"
	EventWorkerLicenseUpdated       = "worker.license.updated"
	EventWorkerTelemetryUpdated     = "worker.telemetry.updated"
	EventWorkerEndpointUpdated      = "worker.endpoint.updated"
	EventWorkerTerminated           = "worker.terminated"
	EventWorkerIdleDetected         = "worker.idle.detected"
	EventWorkerPaused               = "worker.paused"
	EventWorkerResumed              = "worker.resumed"
	EventWorkerTagsUpdated          = "worker.tags.updated"
	EventWorkerActivityObserved     = "worker.activity.observed"
	EventDataRefreshRequested       = "worker.data_refresh.requested"
	EventDataRefreshSkipped         = "worker.data_refresh.skipped"
	EventLabRecordCreated           = "lab.record.created"
	EventLabRecordUpdated           = "lab.record.updated"
	EventLabStateChanged            = "lab.state.changed"
)

// EventSource identifies the origin of domain events in the wire envelope
const EventSource = "domain.worker"

// DomainEvent is an immutable record of a state change emitted by an
// aggregate method. Events are buffered on the aggregate and published
// by the repository after a successful write.
type DomainEvent interface {
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
	// Payload returns the wire data for the relay envelope. Always
	// includes worker_id so subscriber filters can match.
	Payload() map[string]any
}

type baseEvent struct {
	workerID   string
	occurredAt time.Time
}

func (e baseEvent) AggregateID() string   { return e.workerID }
func (e baseEvent) OccurredAt() time.Time { return e.occurredAt }

// CreatedEvent marks creation of a fresh worker aggregate
type CreatedEvent struct {
	baseEvent
	Name         string
	Region       string
	InstanceType string
	ImageID      string
	CreatedBy    string
}

func (e CreatedEvent) EventType() string { return EventWorkerCreated }
func (e CreatedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":     e.workerID,
		"name":          e.Name,
		"region":        e.Region,
		"instance_type": e.InstanceType,
		"image_id":      e.ImageID,
		"created_by":    e.CreatedBy,
	}
}

// ImportedEvent marks adoption of an existing cloud instance
type ImportedEvent struct {
	baseEvent
	Name       string
	Region     string
	InstanceID string
	Status     types.WorkerStatus
}

func (e ImportedEvent) EventType() string { return EventWorkerImported }
func (e ImportedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":   e.workerID,
		"name":        e.Name,
		"region":      e.Region,
		"instance_id": e.InstanceID,
		"status":      string(e.Status),
	}
}

// StatusUpdatedEvent records a lifecycle transition
type StatusUpdatedEvent struct {
	baseEvent
	OldStatus types.WorkerStatus
	NewStatus types.WorkerStatus
}

func (e StatusUpdatedEvent) EventType() string { return EventWorkerStatusUpdated }
func (e StatusUpdatedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":  e.workerID,
		"old_status": string(e.OldStatus),
		"new_status": string(e.NewStatus),
	}
}

// ServiceStatusUpdatedEvent records a lab-service reachability change
type ServiceStatusUpdatedEvent struct {
	baseEvent
	OldServiceStatus types.ServiceStatus
	NewServiceStatus types.ServiceStatus
	Endpoint         string
}

func (e ServiceStatusUpdatedEvent) EventType() string { return EventWorkerServiceStatusUpdated }
func (e ServiceStatusUpdatedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":          e.workerID,
		"old_service_status": string(e.OldServiceStatus),
		"new_service_status": string(e.NewServiceStatus),
		"endpoint":           e.Endpoint,
	}
}

// InstanceAssignedEvent records first assignment of the cloud instance
type InstanceAssignedEvent struct {
	baseEvent
	InstanceID string
	PublicIP   string
	PrivateIP  string
}

func (e InstanceAssignedEvent) EventType() string { return EventWorkerInstanceAssigned }
func (e InstanceAssignedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":   e.workerID,
		"instance_id": e.InstanceID,
		"public_ip":   e.PublicIP,
		"private_ip":  e.PrivateIP,
	}
}

// LicenseUpdatedEvent records a change of the lab service license info
type LicenseUpdatedEvent struct {
	baseEvent
	License *types.LicenseInfo
}

func (e LicenseUpdatedEvent) EventType() string { return EventWorkerLicenseUpdated }
func (e LicenseUpdatedEvent) Payload() map[string]any {
	data := map[string]any{"worker_id": e.workerID}
	if e.License != nil {
		data["registration_status"] = e.License.RegistrationStatus
		data["authorization_status"] = e.License.AuthorizationStatus
		data["product_license"] = e.License.ProductLicense
	}
	return data
}

// TelemetryUpdatedEvent records a significant metrics change. Only emitted
// when a numeric field moved by at least the configured threshold or a
// categorical field changed.
type TelemetryUpdatedEvent struct {
	baseEvent
	CPUUtilization      *float64
	MemoryUtilization   *float64
	Ready               bool
	LabsCount           int
	InstanceStateDetail string
	SystemStatusCheck   string
	DetailedMonitoring  bool
}

func (e TelemetryUpdatedEvent) EventType() string { return EventWorkerTelemetryUpdated }
func (e TelemetryUpdatedEvent) Payload() map[string]any {
	data := map[string]any{
		"worker_id":  e.workerID,
		"ready":      e.Ready,
		"labs_count": e.LabsCount,
	}
	if e.CPUUtilization != nil {
		data["cpu_utilization"] = *e.CPUUtilization
	}
	if e.MemoryUtilization != nil {
		data["memory_utilization"] = *e.MemoryUtilization
	}
	return data
}

// EndpointUpdatedEvent records a change of endpoint or public IP
type EndpointUpdatedEvent struct {
	baseEvent
	Endpoint string
	PublicIP string
}

func (e EndpointUpdatedEvent) EventType() string { return EventWorkerEndpointUpdated }
func (e EndpointUpdatedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id": e.workerID,
		"endpoint":  e.Endpoint,
		"public_ip": e.PublicIP,
	}
}

// TerminatedEvent is the terminal event; nothing mutates after it
type TerminatedEvent struct {
	baseEvent
	TerminatedBy string
	PriorStatus  types.WorkerStatus
}

func (e TerminatedEvent) EventType() string { return EventWorkerTerminated }
func (e TerminatedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":     e.workerID,
		"terminated_by": e.TerminatedBy,
		"prior_status":  string(e.PriorStatus),
	}
}

// IdleDetectedEvent records the idle determination and scheduled pause time
type IdleDetectedEvent struct {
	baseEvent
	LastActivityAt *time.Time
	TargetPauseAt  time.Time
}

func (e IdleDetectedEvent) EventType() string { return EventWorkerIdleDetected }
func (e IdleDetectedEvent) Payload() map[string]any {
	data := map[string]any{
		"worker_id":       e.workerID,
		"target_pause_at": e.TargetPauseAt.UTC().Format(time.RFC3339),
	}
	if e.LastActivityAt != nil {
		data["last_activity_at"] = e.LastActivityAt.UTC().Format(time.RFC3339)
	}
	return data
}

// PausedEvent records a stop, manual or automatic
type PausedEvent struct {
	baseEvent
	Reason   string
	PausedBy string
	Auto     bool
}

func (e PausedEvent) EventType() string { return EventWorkerPaused }
func (e PausedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id": e.workerID,
		"reason":    e.Reason,
		"paused_by": e.PausedBy,
		"auto":      e.Auto,
	}
}

// ResumedEvent records a start, manual or automatic
type ResumedEvent struct {
	baseEvent
	Reason    string
	ResumedBy string
	Auto      bool
}

func (e ResumedEvent) EventType() string { return EventWorkerResumed }
func (e ResumedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":  e.workerID,
		"reason":     e.Reason,
		"resumed_by": e.ResumedBy,
		"auto":       e.Auto,
	}
}

// TagsUpdatedEvent records a change of the cloud tag set
type TagsUpdatedEvent struct {
	baseEvent
	Tags map[string]string
}

func (e TagsUpdatedEvent) EventType() string { return EventWorkerTagsUpdated }
func (e TagsUpdatedEvent) Payload() map[string]any {
	tags := make(map[string]any, len(e.Tags))
	for k, v := range e.Tags {
		tags[k] = v
	}
	return map[string]any{"worker_id": e.workerID, "tags": tags}
}

// ActivityObservedEvent records observed user activity on the worker
type ActivityObservedEvent struct {
	baseEvent
	ObservedAt time.Time
}

func (e ActivityObservedEvent) EventType() string { return EventWorkerActivityObserved }
func (e ActivityObservedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":   e.workerID,
		"observed_at": e.ObservedAt.UTC().Format(time.RFC3339),
	}
}

// DataRefreshRequestedEvent is a synthetic event used by the relay for UI
// hints; it mutates no domain field.
type DataRefreshRequestedEvent struct {
	baseEvent
	RequestedAt time.Time
	RequestedBy string
}

func (e DataRefreshRequestedEvent) EventType() string { return EventDataRefreshRequested }
func (e DataRefreshRequestedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":    e.workerID,
		"requested_at": e.RequestedAt.UTC().Format(time.RFC3339),
		"requested_by": e.RequestedBy,
	}
}

// DataRefreshSkippedEvent carries the soft-skip reason so the UI can
// distinguish "refused" from "failed"
type DataRefreshSkippedEvent struct {
	baseEvent
	Reason            string
	RetryAfterSeconds float64
}

func (e DataRefreshSkippedEvent) EventType() string { return EventDataRefreshSkipped }
func (e DataRefreshSkippedEvent) Payload() map[string]any {
	data := map[string]any{
		"worker_id": e.workerID,
		"reason":    e.Reason,
	}
	if e.RetryAfterSeconds > 0 {
		data["retry_after_seconds"] = e.RetryAfterSeconds
	}
	return data
}

// LabRecordCreatedEvent marks first observation of a lab on a worker
type LabRecordCreatedEvent struct {
	baseEvent
	LabID string
	Title string
	State string
}

func (e LabRecordCreatedEvent) EventType() string { return EventLabRecordCreated }
func (e LabRecordCreatedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id": e.workerID,
		"lab_id":    e.LabID,
		"title":     e.Title,
		"state":     e.State,
	}
}

// LabRecordUpdatedEvent marks a refresh of an existing lab snapshot
type LabRecordUpdatedEvent struct {
	baseEvent
	LabID         string
	ChangedFields []string
}

func (e LabRecordUpdatedEvent) EventType() string { return EventLabRecordUpdated }
func (e LabRecordUpdatedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":      e.workerID,
		"lab_id":         e.LabID,
		"changed_fields": e.ChangedFields,
	}
}

// LabStateChangedEvent marks a lab state transition observed during refresh
type LabStateChangedEvent struct {
	baseEvent
	LabID         string
	PreviousState string
	NewState      string
}

func (e LabStateChangedEvent) EventType() string { return EventLabStateChanged }
func (e LabStateChangedEvent) Payload() map[string]any {
	return map[string]any{
		"worker_id":      e.workerID,
		"lab_id":         e.LabID,
		"previous_state": e.PreviousState,
		"new_state":      e.NewState,
	}
}

// NewLabRecordCreatedEvent builds a lab record creation event. Lab events
// originate in the labs refresh path, not on the worker aggregate.
func NewLabRecordCreatedEvent(workerID, labID, title, state string, at time.Time) LabRecordCreatedEvent {
	return LabRecordCreatedEvent{
		baseEvent: baseEvent{workerID: workerID, occurredAt: at},
		LabID:     labID,
		Title:     title,
		State:     state,
	}
}

// NewLabRecordUpdatedEvent builds a lab record update event
func NewLabRecordUpdatedEvent(workerID, labID string, changed []string, at time.Time) LabRecordUpdatedEvent {
	return LabRecordUpdatedEvent{
		baseEvent:     baseEvent{workerID: workerID, occurredAt: at},
		LabID:         labID,
		ChangedFields: changed,
	}
}

// NewLabStateChangedEvent builds a lab state transition event
func NewLabStateChangedEvent(workerID, labID, prev, next string, at time.Time) LabStateChangedEvent {
	return LabStateChangedEvent{
		baseEvent:     baseEvent{workerID: workerID, occurredAt: at},
		LabID:         labID,
		PreviousState: prev,
		NewState:      next,
	}
}
