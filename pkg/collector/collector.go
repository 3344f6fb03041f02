// Package collector implements the per-worker metrics collection pass:
// it reconciles the local projection with authoritative cloud state and
// samples resource utilization. Pure orchestration; the caller persists
// the aggregate afterwards.
package collector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/labfleet/pkg/cloud"
	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/types"
	"github.com/cuemby/labfleet/pkg/worker"
)

// CloudAPI is the slice of the cloud client the collector needs
type CloudAPI interface {
	DescribeInstanceStatus(ctx context.Context, region, instanceID string) (*cloud.InstanceStatus, error)
	DescribeInstance(ctx context.Context, region, instanceID string) (*cloud.InstanceDetails, error)
	DescribeImage(ctx context.Context, region, imageID string) (*cloud.ImageDetails, error)
	GetResourceMetrics(ctx context.Context, region, instanceID string) (*cloud.ResourceMetrics, error)
}

// NextFireFunc reports the scheduler's next fleet-refresh fire time, used
// for the UI countdown hint. ok is false when no job is registered.
type NextFireFunc func() (time.Time, bool)

// Service runs one collection pass per call
type Service struct {
	cloud           CloudAPI
	pollInterval    time.Duration
	changeThreshold float64
	nextFire        NextFireFunc
	logger          zerolog.Logger
}

// New builds the service. nextFire may be nil; the hint then falls back
// to now+pollInterval.
func New(api CloudAPI, pollInterval time.Duration, changeThresholdPercent float64, nextFire NextFireFunc) *Service {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Minute
	}
	return &Service{
		cloud:           api,
		pollInterval:    pollInterval,
		changeThreshold: changeThresholdPercent,
		nextFire:        nextFire,
		logger:          log.WithComponent("collector"),
	}
}

// MapCloudState translates a provider instance state into the worker
// lifecycle status. Unrecognized states map to Pending as a best-effort
// default.
func MapCloudState(state string) types.WorkerStatus {
	switch state {
	case "pending":
		return types.WorkerStatusPending
	case "running":
		return types.WorkerStatusRunning
	case "stopping":
		return types.WorkerStatusStopping
	case "stopped":
		return types.WorkerStatusStopped
	case "shutting-down", "terminated":
		return types.WorkerStatusTerminated
	default:
		return types.WorkerStatusPending
	}
}

// Collect reconciles one aggregate against the cloud. The aggregate is
// mutated in place; the result summarizes what happened for the caller
// and for bulk-operation reporting.
func (s *Service) Collect(ctx context.Context, agg *worker.Aggregate, collectResourceMetrics bool) *types.MetricsResult {
	state := agg.State()
	result := &types.MetricsResult{WorkerID: state.ID}

	if state.InstanceID == "" {
		result.Error = "no instance"
		return result
	}
	if state.IsTerminated() {
		return result
	}

	logger := s.logger.With().Str("worker_id", state.ID).Str("instance_id", state.InstanceID).Logger()

	status, err := s.cloud.DescribeInstanceStatus(ctx, state.Region, state.InstanceID)
	if err != nil {
		if errors.Is(err, cloud.ErrInstanceNotFound) {
			result.Error = "instance not found"
			return result
		}
		result.Error = err.Error()
		return result
	}

	agg.UpdateCloudHealth(status.InstanceStatusCheck, status.SystemStatusCheck)
	result.CloudState = status.State
	result.StatusUpdated = agg.UpdateStatus(MapCloudState(status.State))

	details := s.collectInstanceDetails(ctx, agg, logger)
	detailed := agg.State().DetailedMonitoringEnabled
	if details != nil {
		detailed = details.MonitoringState == "enabled"
	}

	if status.State == "running" && collectResourceMetrics {
		s.collectResourceMetrics(ctx, agg, detailed, result, logger)
	}
	s.setRefreshHints(agg)

	return result
}

func (s *Service) collectResourceMetrics(ctx context.Context, agg *worker.Aggregate, detailedMonitoring bool, result *types.MetricsResult, logger zerolog.Logger) {
	state := agg.State()
	m, err := s.cloud.GetResourceMetrics(ctx, state.Region, state.InstanceID)
	if err != nil {
		logger.Warn().Err(err).Msg("Resource metrics unavailable")
		return
	}
	if m.CPUUtilization == nil {
		logger.Debug().Msg("No CPU datapoints, metrics agent may be absent")
	}
	agg.UpdateCloudMetrics(m.CPUUtilization, m.MemoryUtilization,
		detailedMonitoring, time.Now().UTC(), s.changeThreshold)
	result.CPUUtilization = agg.State().CPUUtilization
	result.MemoryUtilization = agg.State().MemoryUtilization
	result.MetricsCollected = m.CPUUtilization != nil || m.MemoryUtilization != nil
}

// setRefreshHints persists the countdown hint on every pass: the
// scheduler's actual next fire time when known, otherwise now+interval
func (s *Service) setRefreshHints(agg *worker.Aggregate) {
	next := time.Now().UTC().Add(s.pollInterval)
	if s.nextFire != nil {
		if t, ok := s.nextFire(); ok {
			next = t.UTC()
		}
	}
	agg.SetRefreshHints(int(s.pollInterval.Seconds()), next)
}

// collectInstanceDetails refreshes descriptive state from the cloud and
// returns the snapshot for the caller, or nil when unavailable
func (s *Service) collectInstanceDetails(ctx context.Context, agg *worker.Aggregate, logger zerolog.Logger) *cloud.InstanceDetails {
	state := agg.State()
	details, err := s.cloud.DescribeInstance(ctx, state.Region, state.InstanceID)
	if err != nil || details == nil {
		logger.Warn().Err(err).Msg("Instance details unavailable")
		return nil
	}

	imageName := state.ImageName
	if details.ImageID != "" && details.ImageID != state.ImageID {
		imageName = ""
	}
	if imageName == "" && details.ImageID != "" {
		if img, err := s.cloud.DescribeImage(ctx, state.Region, details.ImageID); err == nil && img != nil {
			imageName = img.Name
		} else {
			logger.Debug().Err(err).Str("image_id", details.ImageID).Msg("Image metadata unavailable")
		}
	}

	agg.UpdateInstanceDetails(details.InstanceType, details.ImageID, imageName,
		details.PublicIP, details.PrivateIP)
	agg.UpdateCloudTags(details.Tags)
	return details
}
