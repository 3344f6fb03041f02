// Package manager is the composition root: it wires storage, the event
// relay, the cloud and lab clients, the scheduler with its jobs, and the
// command/query handlers into one runnable fleet manager process.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/labfleet/pkg/cloud"
	"github.com/cuemby/labfleet/pkg/cml"
	"github.com/cuemby/labfleet/pkg/collector"
	"github.com/cuemby/labfleet/pkg/command"
	"github.com/cuemby/labfleet/pkg/config"
	"github.com/cuemby/labfleet/pkg/idle"
	"github.com/cuemby/labfleet/pkg/jobs"
	"github.com/cuemby/labfleet/pkg/log"
	"github.com/cuemby/labfleet/pkg/metrics"
	"github.com/cuemby/labfleet/pkg/query"
	"github.com/cuemby/labfleet/pkg/relay"
	"github.com/cuemby/labfleet/pkg/repository"
	"github.com/cuemby/labfleet/pkg/scheduler"
	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/throttle"
	"github.com/cuemby/labfleet/pkg/types"
)

// autoUser is the actor recorded for system-initiated operations
const autoUser = "system"

// Manager owns the process lifecycle of the fleet manager
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     storage.Store
	relay     *relay.Relay
	repo      *repository.WorkerRepository
	scheduler *scheduler.Scheduler
	commands  *command.Handlers
	queries   *query.Handlers
	gauges    *gaugeCollector
}

// New wires all components without starting any loop
func New(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("manager"),
	}

	store, err := storage.NewBoltStore(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	m.store = store
	metrics.RegisterComponent("store", true, "")

	var bus relay.Bus
	if cfg.Redis.Addr != "" {
		b, err := relay.NewRedisBus(ctx, relay.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			// Degrade to local-only fan-out rather than refusing to start
			m.logger.Warn().Err(err).Msg("Redis unavailable, relay runs local-only")
		} else {
			bus = b
		}
	}
	m.relay = relay.New(bus)
	m.repo = repository.New(store, m.relay)

	cloudClient, err := cloud.NewClient(ctx, cloud.Credentials{
		AccessKey: cfg.AWS.AccessKey,
		SecretKey: cfg.AWS.SecretKey,
	}, cfg.AWS.DefaultRegion)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build cloud client: %w", err)
	}

	m.scheduler = scheduler.New(store)

	settings := m.effectiveSettings()
	fleetInterval := time.Duration(settings.Monitoring.FleetRefreshIntervalSeconds) * time.Second
	coll := collector.New(cloudClient, fleetInterval, settings.Monitoring.ChangeThresholdPercent,
		func() (time.Time, bool) { return m.scheduler.NextFireTime(command.FleetMetricsJobID) })

	labFactory := func(endpoint string) command.LabAPI {
		return cml.NewClient(cml.Config{
			BaseURL:   endpoint,
			Username:  cfg.CML.Username,
			Password:  cfg.CML.Password,
			VerifyTLS: cfg.CML.VerifyTLS,
		})
	}

	th := throttle.New(time.Duration(cfg.Scheduler.RefreshThrottleSeconds) * time.Second)
	m.commands = command.New(m.repo, store, cloudClient, labFactory, th, m.scheduler, coll, m.relay,
		command.Options{
			DefaultInstanceType:    settings.WorkerProvisioning.DefaultInstanceType,
			ImageNamePattern:       settings.WorkerProvisioning.ImageNamePattern,
			UpcomingJobThreshold:   time.Duration(cfg.Scheduler.UpcomingJobThresholdSeconds) * time.Second,
			ChangeThresholdPercent: settings.Monitoring.ChangeThresholdPercent,
			MaxConcurrent:          cfg.Scheduler.MaxConcurrentRefreshes,
			CollectResourceMetrics: settings.Monitoring.CollectResourceMetrics,
		})
	m.queries = query.New(store)

	evaluator := idle.NewEvaluator(
		time.Duration(settings.IdleDetection.IdleThresholdMinutes)*time.Minute,
		time.Duration(settings.IdleDetection.PauseGraceMinutes)*time.Minute,
	)
	jobs.RegisterAll(m.scheduler, &jobs.Services{
		Commands:      m.commands,
		Repo:          m.repo,
		Store:         store,
		Idle:          evaluator,
		AutoUser:      autoUser,
		MaxConcurrent: cfg.Scheduler.MaxConcurrentRefreshes,
	})

	m.gauges = newGaugeCollector(store)
	return m, nil
}

// Start launches the relay, the scheduler with its recurrent jobs, and
// the gauge loop
func (m *Manager) Start(ctx context.Context) error {
	if err := m.relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	metrics.RegisterComponent("relay", true, "")

	if err := m.registerRecurrentJobs(); err != nil {
		return err
	}
	m.scheduler.Start(ctx)
	metrics.RegisterComponent("scheduler", true, "")

	m.gauges.Start()

	m.logger.Info().Msg("Fleet manager started")
	return nil
}

// Stop tears components down in reverse order
func (m *Manager) Stop() error {
	m.gauges.Stop()
	m.scheduler.Stop()
	m.relay.Stop()
	err := m.store.Close()
	m.logger.Info().Msg("Fleet manager stopped")
	return err
}

// Commands exposes the write-side handlers
func (m *Manager) Commands() *command.Handlers { return m.commands }

// Queries exposes the read-side handlers
func (m *Manager) Queries() *query.Handlers { return m.queries }

// Relay exposes the event relay for subscriber registration
func (m *Manager) Relay() *relay.Relay { return m.relay }

func (m *Manager) registerRecurrentJobs() error {
	settings := m.effectiveSettings()
	recurrents := []struct {
		name     string
		interval time.Duration
	}{
		{command.JobNameFleetMetrics, time.Duration(settings.Monitoring.FleetRefreshIntervalSeconds) * time.Second},
		{command.JobNameLabsRefresh, time.Duration(settings.Monitoring.LabsRefreshIntervalSeconds) * time.Second},
		{command.JobNameActivity, time.Duration(m.cfg.Scheduler.ActivityIntervalSeconds) * time.Second},
		{command.JobNameAutoImport, time.Duration(m.cfg.Scheduler.AutoImportIntervalSeconds) * time.Second},
	}
	for _, r := range recurrents {
		if err := m.scheduler.ScheduleRecurrent(r.name, r.interval); err != nil {
			return fmt.Errorf("failed to register %s: %w", r.name, err)
		}
	}
	return nil
}

// effectiveSettings layers persisted system settings over the static
// configuration so operators can retune without a restart
func (m *Manager) effectiveSettings() *types.SystemSettings {
	s := &types.SystemSettings{}
	s.WorkerProvisioning.DefaultRegion = m.cfg.AWS.DefaultRegion
	s.WorkerProvisioning.DefaultInstanceType = m.cfg.AWS.DefaultInstanceType
	s.WorkerProvisioning.ImageNamePattern = m.cfg.AWS.ImageNamePattern
	s.Monitoring.FleetRefreshIntervalSeconds = m.cfg.Scheduler.FleetRefreshIntervalSeconds
	s.Monitoring.LabsRefreshIntervalSeconds = m.cfg.Scheduler.LabsRefreshIntervalSeconds
	s.Monitoring.ChangeThresholdPercent = m.cfg.Scheduler.ChangeThresholdPercent
	s.Monitoring.CollectResourceMetrics = m.cfg.Scheduler.CollectResourceMetrics
	s.IdleDetection.IdleThresholdMinutes = m.cfg.Scheduler.IdleThresholdMinutes
	s.IdleDetection.PauseGraceMinutes = 10

	if persisted, err := m.store.GetSystemSettings(); err == nil {
		if persisted.WorkerProvisioning.DefaultRegion != "" {
			s.WorkerProvisioning = persisted.WorkerProvisioning
		}
		if persisted.Monitoring.FleetRefreshIntervalSeconds > 0 {
			s.Monitoring = persisted.Monitoring
		}
		if persisted.IdleDetection.IdleThresholdMinutes > 0 {
			s.IdleDetection = persisted.IdleDetection
		}
	}
	return s
}
