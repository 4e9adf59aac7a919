// Package config loads the coordinator and worker processes' configuration
// from environment variables (optionally via a .env file), following the
// typed-struct-with-env-tags idiom.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ServerConfig controls the coordinator's HTTP listener.
type ServerConfig struct {
	Host string `env:"SERVER_HOST"`
	Port int    `env:"SERVER_PORT"`
}

// DatabaseConfig controls the Postgres connection pool.
type DatabaseConfig struct {
	DSN             string `env:"DATABASE_DSN"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME_SECONDS"`
	MigrateOnStart  bool   `env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls process-wide logging.
type LoggingConfig struct {
	Level string `env:"LOG_LEVEL"`
	JSON  bool   `env:"LOG_JSON"`
}

// CheckpointConfig controls default checkpoint policy and artifact storage,
// per §6.3.
type CheckpointConfig struct {
	Dir                 string `env:"CHECKPOINT_DIR"`
	UnitInterval        int    `env:"CHECKPOINT_UNIT_INTERVAL"`
	TimeIntervalSeconds int    `env:"CHECKPOINT_TIME_INTERVAL_SECONDS"`
	StagingSweepSeconds int    `env:"CHECKPOINT_STAGING_SWEEP_SECONDS"`
}

// TimeoutConfig controls liveness, reconciliation, and heartbeat tunables,
// per §6.3 and §4.3/§4.4.
type TimeoutConfig struct {
	HeartbeatIntervalSeconds    int `env:"HEARTBEAT_INTERVAL_SECONDS"`
	HeartbeatTimeoutSeconds     int `env:"HEARTBEAT_TIMEOUT_SECONDS"`
	OrphanTimeoutSeconds        int `env:"ORPHAN_TIMEOUT_SECONDS"`
	ReconciliationGraceSeconds  int `env:"RECONCILIATION_GRACE_SECONDS"`
	RegistryLivenessSweepSeconds int `env:"REGISTRY_LIVENESS_SWEEP_SECONDS"`
	ReconcilerSweepSeconds      int `env:"RECONCILER_SWEEP_SECONDS"`
}

// CoordinatorConfig is the top-level configuration for cmd/coordinator.
type CoordinatorConfig struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Logging    LoggingConfig
	Checkpoint CheckpointConfig
	Timeouts   TimeoutConfig
}

// WorkerConfig is the top-level configuration for cmd/worker.
type WorkerConfig struct {
	WorkerType         string `env:"WORKER_TYPE"`
	EndpointPublicURL  string `env:"WORKER_ENDPOINT_PUBLIC_URL"`
	CoordinatorURL     string `env:"COORDINATOR_URL"`
	ListenAddr         string `env:"WORKER_LISTEN_ADDR"`
	Database           DatabaseConfig
	Logging            LoggingConfig
	Checkpoint         CheckpointConfig
	Timeouts           TimeoutConfig
	CompletedRetention int `env:"WORKER_COMPLETED_RETENTION_SECONDS"`
	DrainDeadlineSeconds int `env:"WORKER_DRAIN_DEADLINE_SECONDS"`
}

// NewCoordinatorConfig returns a CoordinatorConfig populated with defaults.
func NewCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Checkpoint: CheckpointConfig{
			Dir:                 "/var/lib/ktrdr/checkpoints",
			UnitInterval:        500,
			TimeIntervalSeconds: 300,
			StagingSweepSeconds: 600,
		},
		Timeouts: TimeoutConfig{
			HeartbeatIntervalSeconds:    15,
			HeartbeatTimeoutSeconds:     60,
			OrphanTimeoutSeconds:        60,
			ReconciliationGraceSeconds:  60,
			RegistryLivenessSweepSeconds: 10,
			ReconcilerSweepSeconds:      30,
		},
	}
}

// NewWorkerConfig returns a WorkerConfig populated with defaults.
func NewWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		WorkerType: "training",
		ListenAddr: "0.0.0.0:9000",
		Logging: LoggingConfig{
			Level: "info",
		},
		Checkpoint: CheckpointConfig{
			Dir:                 "/var/lib/ktrdr/checkpoints",
			UnitInterval:        500,
			TimeIntervalSeconds: 300,
		},
		Timeouts: TimeoutConfig{
			HeartbeatIntervalSeconds: 15,
		},
		CompletedRetention:   3600,
		DrainDeadlineSeconds: 30,
	}
}

// LoadCoordinatorConfig loads configuration from .env (if present) and the
// environment, overlaying NewCoordinatorConfig's defaults.
func LoadCoordinatorConfig() (*CoordinatorConfig, error) {
	_ = godotenv.Load()

	cfg := NewCoordinatorConfig()
	if err := envdecode.Decode(cfg); err != nil && !noFieldsSet(err) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("DATABASE_DSN is required")
	}
	return cfg, nil
}

// LoadWorkerConfig loads configuration from .env (if present) and the
// environment, overlaying NewWorkerConfig's defaults.
func LoadWorkerConfig() (*WorkerConfig, error) {
	_ = godotenv.Load()

	cfg := NewWorkerConfig()
	if err := envdecode.Decode(cfg); err != nil && !noFieldsSet(err) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if cfg.EndpointPublicURL == "" {
		return nil, fmt.Errorf("WORKER_ENDPOINT_PUBLIC_URL is required")
	}
	if cfg.CoordinatorURL == "" {
		return nil, fmt.Errorf("COORDINATOR_URL is required")
	}
	return cfg, nil
}

// noFieldsSet treats envdecode's "nothing in the environment matched a
// tagged field" error as "use the defaults", which keeps local runs working
// without exporting every variable.
func noFieldsSet(err error) bool {
	return strings.Contains(err.Error(), "none of the target fields were set")
}

func (t TimeoutConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(t.HeartbeatTimeoutSeconds) * time.Second
}

func (t TimeoutConfig) OrphanTimeout() time.Duration {
	return time.Duration(t.OrphanTimeoutSeconds) * time.Second
}

func (t TimeoutConfig) ReconciliationGrace() time.Duration {
	return time.Duration(t.ReconciliationGraceSeconds) * time.Second
}

func (c CheckpointConfig) TimeInterval() time.Duration {
	return time.Duration(c.TimeIntervalSeconds) * time.Second
}
