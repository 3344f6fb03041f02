package worker

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/labfleet/pkg/types"
)

// DefaultChangeThresholdPercent suppresses telemetry events when numeric
// metrics move less than this many percentage points
const DefaultChangeThresholdPercent = 5.0

// Aggregate is the consistency boundary around one worker appliance.
// All state mutation goes through its methods: a method validates the
// transition, registers exactly one domain event, and the state change
// is applied by the handler for that event type. Reconstructing an
// aggregate from its event history is therefore plain replay.
type Aggregate struct {
	state   *types.Worker
	pending []DomainEvent
}

// New creates a fresh Pending aggregate and registers a CreatedEvent
func New(name, region, instanceType, imageID, imageName, createdBy string) *Aggregate {
	a := &Aggregate{state: &types.Worker{}}
	now := time.Now().UTC()
	a.register(CreatedEvent{
		baseEvent:    baseEvent{workerID: uuid.New().String(), occurredAt: now},
		Name:         name,
		Region:       region,
		InstanceType: instanceType,
		ImageID:      imageID,
		CreatedBy:    createdBy,
	})
	a.state.ImageName = imageName
	return a
}

// NewImported adopts an existing cloud instance, mapping its observed
// state onto the aggregate, and registers an ImportedEvent
func NewImported(name, region, instanceID, instanceType, imageID string, status types.WorkerStatus, importedBy string) *Aggregate {
	a := &Aggregate{state: &types.Worker{}}
	now := time.Now().UTC()
	a.register(ImportedEvent{
		baseEvent:  baseEvent{workerID: uuid.New().String(), occurredAt: now},
		Name:       name,
		Region:     region,
		InstanceID: instanceID,
		Status:     status,
	})
	a.state.InstanceType = instanceType
	a.state.ImageID = imageID
	a.state.CreatedBy = importedBy
	return a
}

// FromState wraps a persisted projection loaded from storage
func FromState(w *types.Worker) *Aggregate {
	return &Aggregate{state: w}
}

// Replay rebuilds an aggregate by applying events in order to fresh state
func Replay(events []DomainEvent) *Aggregate {
	a := &Aggregate{state: &types.Worker{}}
	for _, e := range events {
		a.apply(e)
	}
	return a
}

// ID returns the stable aggregate identifier
func (a *Aggregate) ID() string { return a.state.ID }

// State returns the underlying projection. Callers must not mutate it.
func (a *Aggregate) State() *types.Worker { return a.state }

// PendingEvents returns the events registered since the last drain
func (a *Aggregate) PendingEvents() []DomainEvent { return a.pending }

// DrainEvents returns and clears the pending event buffer. The repository
// calls this only after a successful write.
func (a *Aggregate) DrainEvents() []DomainEvent {
	events := a.pending
	a.pending = nil
	return events
}

// register buffers the event and applies its state change
func (a *Aggregate) register(e DomainEvent) {
	a.pending = append(a.pending, e)
	a.apply(e)
}

// UpdateStatus transitions the lifecycle status. A no-op (same value)
// registers no event and returns false. Transitions from Terminated are
// rejected; use Terminate to enter the terminal state.
func (a *Aggregate) UpdateStatus(newStatus types.WorkerStatus) bool {
	if a.state.IsTerminated() || newStatus == a.state.Status {
		return false
	}
	if newStatus == types.WorkerStatusTerminated {
		a.Terminate("system")
		return true
	}
	a.register(StatusUpdatedEvent{
		baseEvent: a.newBase(),
		OldStatus: a.state.Status,
		NewStatus: newStatus,
	})
	return true
}

// UpdateServiceStatus records lab service reachability; registers an event
// only when status or endpoint actually changes
func (a *Aggregate) UpdateServiceStatus(status types.ServiceStatus, endpoint string) bool {
	if a.state.IsTerminated() {
		return false
	}
	if endpoint == "" {
		endpoint = a.state.HTTPSEndpoint
	}
	if status == a.state.ServiceStatus && endpoint == a.state.HTTPSEndpoint {
		return false
	}
	a.register(ServiceStatusUpdatedEvent{
		baseEvent:        a.newBase(),
		OldServiceStatus: a.state.ServiceStatus,
		NewServiceStatus: status,
		Endpoint:         endpoint,
	})
	return true
}

// AssignInstance binds the cloud instance to this worker. The instance id
// is immutable once set; assigning a different one fails.
func (a *Aggregate) AssignInstance(instanceID, publicIP, privateIP string) error {
	if a.state.IsTerminated() {
		return fmt.Errorf("worker %s is terminated", a.state.ID)
	}
	if a.state.InstanceID != "" && a.state.InstanceID != instanceID {
		return fmt.Errorf("worker %s already bound to instance %s", a.state.ID, a.state.InstanceID)
	}
	if a.state.InstanceID == instanceID && publicIP == a.state.PublicIP && privateIP == a.state.PrivateIP {
		return nil
	}
	a.register(InstanceAssignedEvent{
		baseEvent:  a.newBase(),
		InstanceID: instanceID,
		PublicIP:   publicIP,
		PrivateIP:  privateIP,
	})
	return nil
}

// UpdateEndpoint records endpoint or public IP changes
func (a *Aggregate) UpdateEndpoint(endpoint, publicIP string) bool {
	if a.state.IsTerminated() {
		return false
	}
	if endpoint == a.state.HTTPSEndpoint && publicIP == a.state.PublicIP {
		return false
	}
	a.register(EndpointUpdatedEvent{
		baseEvent: a.newBase(),
		Endpoint:  endpoint,
		PublicIP:  publicIP,
	})
	return true
}

// ObservePublicIP derives the https endpoint the first time a public IP
// is seen and the endpoint is unset
func (a *Aggregate) ObservePublicIP(publicIP string) bool {
	if publicIP == "" {
		return false
	}
	endpoint := a.state.HTTPSEndpoint
	if endpoint == "" {
		endpoint = "https://" + publicIP
	}
	return a.UpdateEndpoint(endpoint, publicIP)
}

// UpdateCloudHealth records instance and system status checks without an
// event unless something changed
func (a *Aggregate) UpdateCloudHealth(instanceStateDetail, systemStatusCheck string) bool {
	if a.state.IsTerminated() {
		return false
	}
	if instanceStateDetail == a.state.InstanceStateDetail && systemStatusCheck == a.state.SystemStatusCheck {
		return false
	}
	// Health checks feed the telemetry event rather than their own variant
	a.register(a.telemetryEvent(func(e *TelemetryUpdatedEvent) {
		e.InstanceStateDetail = instanceStateDetail
		e.SystemStatusCheck = systemStatusCheck
	}))
	return true
}

// telemetryEvent snapshots current telemetry state into an event, letting
// the caller overlay the fields it changed; apply then writes everything
// back so replay reproduces the mutation
func (a *Aggregate) telemetryEvent(overlay func(*TelemetryUpdatedEvent)) TelemetryUpdatedEvent {
	e := TelemetryUpdatedEvent{
		baseEvent:           a.newBase(),
		CPUUtilization:      a.state.CPUUtilization,
		MemoryUtilization:   a.state.MemoryUtilization,
		Ready:               a.state.Ready,
		LabsCount:           a.state.LabsCount,
		InstanceStateDetail: a.state.InstanceStateDetail,
		SystemStatusCheck:   a.state.SystemStatusCheck,
		DetailedMonitoring:  a.state.DetailedMonitoringEnabled,
	}
	if overlay != nil {
		overlay(&e)
	}
	return e
}

// UpdateCloudMetrics applies sampled resource utilization. An event is
// registered only when a numeric metric moved by at least
// changeThresholdPercent points or a categorical field changed; this is
// the aggregate's delta test that suppresses spurious broadcasts.
func (a *Aggregate) UpdateCloudMetrics(cpu, memory *float64, detailedMonitoring bool, collectedAt time.Time, changeThresholdPercent float64) bool {
	if a.state.IsTerminated() {
		return false
	}
	if changeThresholdPercent <= 0 {
		changeThresholdPercent = DefaultChangeThresholdPercent
	}
	changed := numericChanged(a.state.CPUUtilization, cpu, changeThresholdPercent) ||
		numericChanged(a.state.MemoryUtilization, memory, changeThresholdPercent) ||
		detailedMonitoring != a.state.DetailedMonitoringEnabled

	cpu = clampUtilization(cpu)
	memory = clampUtilization(memory)
	t := collectedAt.UTC()
	a.state.CloudwatchCollectedAt = &t

	if !changed {
		// Samples are recorded without an event; only significant moves
		// broadcast
		a.state.CPUUtilization = cpu
		a.state.MemoryUtilization = memory
		return false
	}
	a.register(a.telemetryEvent(func(e *TelemetryUpdatedEvent) {
		e.CPUUtilization = cpu
		e.MemoryUtilization = memory
		e.DetailedMonitoring = detailedMonitoring
	}))
	return true
}

// UpdateLabMetrics applies data from the lab HTTPS API. Numeric compute
// stats are threshold-gated; version, ready, labs count and health are
// categorical and publish on any change.
func (a *Aggregate) UpdateLabMetrics(version string, info *types.SystemInfo, health *types.SystemHealth, ready bool, labsCount int, changeThresholdPercent float64) bool {
	if a.state.IsTerminated() {
		return false
	}
	if changeThresholdPercent <= 0 {
		changeThresholdPercent = DefaultChangeThresholdPercent
	}
	// A negative labs count means the count was unavailable this cycle;
	// keep the previous value and do not treat it as a change
	if labsCount < 0 {
		labsCount = a.state.LabsCount
	}
	changed := version != a.state.LabServiceVersion ||
		ready != a.state.Ready ||
		labsCount != a.state.LabsCount ||
		healthChanged(a.state.SystemHealth, health) ||
		computeStatsChanged(a.state.SystemInfo, info, changeThresholdPercent)

	a.state.LabServiceVersion = version
	a.state.SystemInfo = info
	a.state.SystemHealth = health
	now := time.Now().UTC()
	a.state.LastSyncedAt = &now

	if !changed {
		a.state.Ready = ready
		a.state.LabsCount = labsCount
		return false
	}
	a.register(a.telemetryEvent(func(e *TelemetryUpdatedEvent) {
		e.Ready = ready
		e.LabsCount = labsCount
	}))
	return true
}

// UpdateLicense records lab service license info when it changed
func (a *Aggregate) UpdateLicense(license *types.LicenseInfo) bool {
	if a.state.IsTerminated() || !licenseChanged(a.state.LicenseInfo, license) {
		return false
	}
	a.register(LicenseUpdatedEvent{
		baseEvent: a.newBase(),
		License:   license,
	})
	return true
}

// UpdateCloudTags replaces the tag set when it differs by key or value
func (a *Aggregate) UpdateCloudTags(tags map[string]string) bool {
	if a.state.IsTerminated() || tagsEqual(a.state.CloudTags, tags) {
		return false
	}
	a.register(TagsUpdatedEvent{
		baseEvent: a.newBase(),
		Tags:      tags,
	})
	return true
}

// UpdateInstanceDetails records type, image and address details sampled
// from the cloud; no event unless the endpoint derivation fires
func (a *Aggregate) UpdateInstanceDetails(instanceType, imageID, imageName, publicIP, privateIP string) {
	if a.state.IsTerminated() {
		return
	}
	if instanceType != "" {
		a.state.InstanceType = instanceType
	}
	if imageID != "" {
		a.state.ImageID = imageID
	}
	if imageName != "" {
		a.state.ImageName = imageName
	}
	if privateIP != "" {
		a.state.PrivateIP = privateIP
	}
	a.ObservePublicIP(publicIP)
}

// Terminate enters the terminal state. Any subsequent mutating call is a
// no-op. Terminate itself is idempotent.
func (a *Aggregate) Terminate(terminatedBy string) bool {
	if a.state.IsTerminated() {
		return false
	}
	a.register(TerminatedEvent{
		baseEvent:    a.newBase(),
		TerminatedBy: terminatedBy,
		PriorStatus:  a.state.Status,
	})
	return true
}

// Pause records a stop and increments the matching counter
func (a *Aggregate) Pause(reason, pausedBy string, auto bool) bool {
	if a.state.IsTerminated() {
		return false
	}
	a.register(PausedEvent{
		baseEvent: a.newBase(),
		Reason:    reason,
		PausedBy:  pausedBy,
		Auto:      auto,
	})
	return true
}

// Resume records a start and increments the matching counter
func (a *Aggregate) Resume(reason, resumedBy string, auto bool) bool {
	if a.state.IsTerminated() {
		return false
	}
	a.register(ResumedEvent{
		baseEvent: a.newBase(),
		Reason:    reason,
		ResumedBy: resumedBy,
		Auto:      auto,
	})
	return true
}

// MarkIdle records the idle determination and target pause time
func (a *Aggregate) MarkIdle(targetPauseAt time.Time) bool {
	if a.state.IsTerminated() {
		return false
	}
	a.register(IdleDetectedEvent{
		baseEvent:      a.newBase(),
		LastActivityAt: a.state.LastActivityAt,
		TargetPauseAt:  targetPauseAt.UTC(),
	})
	return true
}

// RecordActivity updates last_activity_at and clears a scheduled pause
func (a *Aggregate) RecordActivity(observedAt time.Time) bool {
	if a.state.IsTerminated() {
		return false
	}
	a.register(ActivityObservedEvent{
		baseEvent:  a.newBase(),
		ObservedAt: observedAt.UTC(),
	})
	return true
}

// RequestDataRefresh registers the synthetic request event; mutates no
// domain field
func (a *Aggregate) RequestDataRefresh(requestedAt time.Time, requestedBy string) {
	if a.state.IsTerminated() {
		return
	}
	a.register(DataRefreshRequestedEvent{
		baseEvent:   a.newBase(),
		RequestedAt: requestedAt.UTC(),
		RequestedBy: requestedBy,
	})
}

// SkipDataRefresh registers the synthetic skip event with a reason
func (a *Aggregate) SkipDataRefresh(reason string, retryAfterSeconds float64) {
	if a.state.IsTerminated() {
		return
	}
	a.register(DataRefreshSkippedEvent{
		baseEvent:         a.newBase(),
		Reason:            reason,
		RetryAfterSeconds: retryAfterSeconds,
	})
}

// SetIdleDetection toggles idle detection; idempotent, no event. The flag
// is operator configuration rather than observed domain state.
func (a *Aggregate) SetIdleDetection(enabled bool) bool {
	if a.state.IsTerminated() || a.state.IsIdleDetectionEnabled == enabled {
		return false
	}
	a.state.IsIdleDetectionEnabled = enabled
	if !enabled {
		a.state.TargetPauseAt = nil
	}
	return true
}

// SetRefreshHints stores the UI countdown hints during a persisted
// telemetry update; no event
func (a *Aggregate) SetRefreshHints(pollIntervalSeconds int, nextRefreshAt time.Time) {
	if a.state.IsTerminated() {
		return
	}
	a.state.PollIntervalSeconds = &pollIntervalSeconds
	t := nextRefreshAt.UTC()
	a.state.NextRefreshAt = &t
}

func (a *Aggregate) newBase() baseEvent {
	return baseEvent{workerID: a.state.ID, occurredAt: time.Now().UTC()}
}

// apply dispatches the state change for one event. Replay uses exactly
// the same handlers as live registration.
func (a *Aggregate) apply(event DomainEvent) {
	switch e := event.(type) {
	case CreatedEvent:
		a.state.ID = e.workerID
		a.state.Name = e.Name
		a.state.Region = e.Region
		a.state.InstanceType = e.InstanceType
		a.state.ImageID = e.ImageID
		a.state.CreatedBy = e.CreatedBy
		a.state.CreatedAt = e.occurredAt
		a.state.Status = types.WorkerStatusPending
		a.state.ServiceStatus = types.ServiceStatusUnavailable
	case ImportedEvent:
		a.state.ID = e.workerID
		a.state.Name = e.Name
		a.state.Region = e.Region
		a.state.InstanceID = e.InstanceID
		a.state.CreatedAt = e.occurredAt
		a.state.Status = e.Status
		a.state.ServiceStatus = types.ServiceStatusUnavailable
	case StatusUpdatedEvent:
		a.state.Status = e.NewStatus
	case ServiceStatusUpdatedEvent:
		a.state.ServiceStatus = e.NewServiceStatus
		if e.Endpoint != "" {
			a.state.HTTPSEndpoint = e.Endpoint
		}
	case InstanceAssignedEvent:
		a.state.InstanceID = e.InstanceID
		if e.PublicIP != "" {
			a.state.PublicIP = e.PublicIP
		}
		if e.PrivateIP != "" {
			a.state.PrivateIP = e.PrivateIP
		}
	case LicenseUpdatedEvent:
		a.state.LicenseInfo = e.License
	case TelemetryUpdatedEvent:
		a.state.CPUUtilization = e.CPUUtilization
		a.state.MemoryUtilization = e.MemoryUtilization
		a.state.Ready = e.Ready
		a.state.LabsCount = e.LabsCount
		a.state.InstanceStateDetail = e.InstanceStateDetail
		a.state.SystemStatusCheck = e.SystemStatusCheck
		a.state.DetailedMonitoringEnabled = e.DetailedMonitoring
	case EndpointUpdatedEvent:
		a.state.HTTPSEndpoint = e.Endpoint
		if e.PublicIP != "" {
			a.state.PublicIP = e.PublicIP
		}
	case TerminatedEvent:
		a.state.Status = types.WorkerStatusTerminated
		t := e.occurredAt
		a.state.TerminatedAt = &t
		a.state.TerminatedBy = e.TerminatedBy
	case IdleDetectedEvent:
		t := e.TargetPauseAt
		a.state.TargetPauseAt = &t
	case PausedEvent:
		if e.Auto {
			a.state.AutoPauseCount++
		} else {
			a.state.ManualPauseCount++
		}
		t := e.occurredAt
		a.state.LastPausedAt = &t
		a.state.PauseReason = e.Reason
		a.state.PausedBy = e.PausedBy
	case ResumedEvent:
		if e.Auto {
			a.state.AutoResumeCount++
		} else {
			a.state.ManualResumeCount++
		}
		t := e.occurredAt
		a.state.LastResumedAt = &t
		a.state.TargetPauseAt = nil
	case TagsUpdatedEvent:
		a.state.CloudTags = e.Tags
	case ActivityObservedEvent:
		t := e.ObservedAt
		a.state.LastActivityAt = &t
		a.state.TargetPauseAt = nil
	case DataRefreshRequestedEvent, DataRefreshSkippedEvent:
		// Synthetic events; no domain field changes
	}
	a.state.UpdatedAt = event.OccurredAt()
}

// numericChanged reports whether a utilization sample moved enough to
// publish. Presence changes (nil vs value) always publish.
func numericChanged(old, new *float64, thresholdPercent float64) bool {
	if old == nil && new == nil {
		return false
	}
	if old == nil || new == nil {
		return true
	}
	delta := *new - *old
	if delta < 0 {
		delta = -delta
	}
	return delta >= thresholdPercent
}

func clampUtilization(v *float64) *float64 {
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

func healthChanged(old, new *types.SystemHealth) bool {
	if old == nil && new == nil {
		return false
	}
	if old == nil || new == nil {
		return true
	}
	return *old != *new
}

func licenseChanged(old, new *types.LicenseInfo) bool {
	if old == nil && new == nil {
		return false
	}
	if old == nil || new == nil {
		return true
	}
	if old.RegistrationStatus != new.RegistrationStatus ||
		old.AuthorizationStatus != new.AuthorizationStatus ||
		old.ProductLicense != new.ProductLicense ||
		old.UDI != new.UDI ||
		len(old.Features) != len(new.Features) {
		return true
	}
	for i := range old.Features {
		if old.Features[i] != new.Features[i] {
			return true
		}
	}
	return false
}

// computeStatsChanged applies the threshold to per-compute numeric stats
// and treats structural changes (compute count, node counts) as
// categorical
func computeStatsChanged(old, new *types.SystemInfo, thresholdPercent float64) bool {
	if old == nil && new == nil {
		return false
	}
	if old == nil || new == nil {
		return true
	}
	if len(old.Computes) != len(new.Computes) {
		return true
	}
	for i := range old.Computes {
		o, n := old.Computes[i], new.Computes[i]
		if o.TotalNodes != n.TotalNodes || o.RunningNodes != n.RunningNodes ||
			o.AllocatedCPUs != n.AllocatedCPUs || o.AllocatedMemory != n.AllocatedMemory {
			return true
		}
		if abs(n.CPUPercent-o.CPUPercent) >= thresholdPercent ||
			abs(n.MemoryPercent-o.MemoryPercent) >= thresholdPercent ||
			abs(n.DiskPercent-o.DiskPercent) >= thresholdPercent {
			return true
		}
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
