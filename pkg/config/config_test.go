package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Scheduler.FleetRefreshIntervalSeconds)
	assert.Equal(t, 1800, cfg.Scheduler.LabsRefreshIntervalSeconds)
	assert.Equal(t, 10, cfg.Scheduler.RefreshThrottleSeconds)
	assert.Equal(t, 5.0, cfg.Scheduler.ChangeThresholdPercent)
	assert.False(t, cfg.CML.VerifyTLS)
	assert.Equal(t, "labfleet:events", cfg.Redis.Channel)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
aws:
  default_region: eu-central-1
scheduler:
  fleet_refresh_interval_seconds: 60
redis:
  addr: localhost:6379
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", cfg.AWS.DefaultRegion)
	assert.Equal(t, 60, cfg.Scheduler.FleetRefreshIntervalSeconds)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	// Untouched sections keep defaults
	assert.Equal(t, 1800, cfg.Scheduler.LabsRefreshIntervalSeconds)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("LABFLEET_AWS_ACCESS_KEY", "AKIA123")
	t.Setenv("LABFLEET_AWS_REGION", "ap-southeast-2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "AKIA123", cfg.AWS.AccessKey)
	assert.Equal(t, "ap-southeast-2", cfg.AWS.DefaultRegion)
}

func TestValidateRejectsBadIntervals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  fleet_refresh_interval_seconds: -1
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
