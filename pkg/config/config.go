// Package config loads the labfleet configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AWS       AWSConfig       `yaml:"aws"`
	CML       CMLConfig       `yaml:"cml"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the HTTP listener and data directory settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
}

// AWSConfig holds static cloud credentials and provisioning defaults
type AWSConfig struct {
	AccessKey           string `yaml:"access_key"`
	SecretKey           string `yaml:"secret_key"`
	DefaultRegion       string `yaml:"default_region"`
	DefaultInstanceType string `yaml:"default_instance_type"`
	ImageNamePattern    string `yaml:"image_name_pattern"`
}

// CMLConfig holds lab service API credentials shared across workers
type CMLConfig struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	VerifyTLS bool   `yaml:"verify_tls"`
}

// SchedulerConfig holds job intervals and throttling knobs
type SchedulerConfig struct {
	FleetRefreshIntervalSeconds int     `yaml:"fleet_refresh_interval_seconds"`
	LabsRefreshIntervalSeconds  int     `yaml:"labs_refresh_interval_seconds"`
	ActivityIntervalSeconds     int     `yaml:"activity_interval_seconds"`
	AutoImportIntervalSeconds   int     `yaml:"auto_import_interval_seconds"`
	RefreshThrottleSeconds      int     `yaml:"refresh_throttle_seconds"`
	UpcomingJobThresholdSeconds int     `yaml:"upcoming_job_threshold_seconds"`
	ChangeThresholdPercent      float64 `yaml:"change_threshold_percent"`
	MaxConcurrentRefreshes      int     `yaml:"max_concurrent_refreshes"`
	CollectResourceMetrics      bool    `yaml:"collect_resource_metrics"`
	IdleThresholdMinutes        int     `yaml:"idle_threshold_minutes"`
}

// RedisConfig holds the pub/sub bus settings; empty Addr disables the bus
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LogConfig controls log output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			DataDir:    "/var/lib/labfleet",
		},
		AWS: AWSConfig{
			DefaultRegion:       "us-east-1",
			DefaultInstanceType: "c5.2xlarge",
			ImageNamePattern:    "cml-*",
		},
		CML: CMLConfig{
			VerifyTLS: false,
		},
		Scheduler: SchedulerConfig{
			FleetRefreshIntervalSeconds: 300,
			LabsRefreshIntervalSeconds:  1800,
			ActivityIntervalSeconds:     1800,
			AutoImportIntervalSeconds:   3600,
			RefreshThrottleSeconds:      10,
			UpcomingJobThresholdSeconds: 10,
			ChangeThresholdPercent:      5.0,
			MaxConcurrentRefreshes:      10,
			CollectResourceMetrics:      true,
			IdleThresholdMinutes:        60,
		},
		Redis: RedisConfig{
			Channel: "labfleet:events",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads the YAML file, applies env overrides and validates. An empty
// path returns the defaults with env overrides only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers secret-bearing settings from the environment
func (c *Config) applyEnv() {
	overrideString(&c.AWS.AccessKey, "LABFLEET_AWS_ACCESS_KEY")
	overrideString(&c.AWS.SecretKey, "LABFLEET_AWS_SECRET_KEY")
	overrideString(&c.AWS.DefaultRegion, "LABFLEET_AWS_REGION")
	overrideString(&c.CML.Username, "LABFLEET_CML_USERNAME")
	overrideString(&c.CML.Password, "LABFLEET_CML_PASSWORD")
	overrideString(&c.Redis.Addr, "LABFLEET_REDIS_ADDR")
	overrideString(&c.Redis.Password, "LABFLEET_REDIS_PASSWORD")
	overrideString(&c.Server.ListenAddr, "LABFLEET_LISTEN_ADDR")
	overrideString(&c.Server.DataDir, "LABFLEET_DATA_DIR")
	overrideString(&c.Log.Level, "LABFLEET_LOG_LEVEL")
	overrideInt(&c.Redis.DB, "LABFLEET_REDIS_DB")
}

func (c *Config) validate() error {
	if c.Scheduler.FleetRefreshIntervalSeconds <= 0 {
		return fmt.Errorf("fleet_refresh_interval_seconds must be positive")
	}
	if c.Scheduler.MaxConcurrentRefreshes <= 0 {
		return fmt.Errorf("max_concurrent_refreshes must be positive")
	}
	if c.Scheduler.ChangeThresholdPercent < 0 {
		return fmt.Errorf("change_threshold_percent must not be negative")
	}
	return nil
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
