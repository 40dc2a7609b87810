// Package config loads the ingest core's runtime configuration: storage
// pooling/batching, buffer flush cadence, collector backoff/timeouts, and
// session limits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the full set of recognized runtime options for the ingest
// core.
type Config struct {
	DatabaseDSN string        `json:"database_dsn"`
	RedisURL    string        `json:"redis_url"`
	Storage     StorageConfig `json:"storage"`
	Buffer      BufferConfig  `json:"buffer"`
	Collector   CollectorConfig `json:"collector"`
	Session     SessionConfig `json:"session"`
	Supervisor  SupervisorConfig `json:"supervisor"`
}

// StorageConfig controls the persistence layer's pool and batching.
type StorageConfig struct {
	PoolSize         int `json:"pool_size"`
	BatchSize        int `json:"batch_size"`
	FlushIntervalMS  int `json:"flush_interval_ms"`
}

// BufferConfig controls minute-alignment buffering.
type BufferConfig struct {
	MinuteFlushIntervalMS int `json:"minute_flush_interval_ms"`
}

// CollectorConfig controls collector reconnect/backoff and idle detection.
type CollectorConfig struct {
	BackoffBaseMS int `json:"backoff_base_ms"`
	BackoffCapMS  int `json:"backoff_cap_ms"`
	IdleTimeoutS  int `json:"idle_timeout_s"`
}

// SessionConfig controls per-session subscription limits.
type SessionConfig struct {
	OutboundQueueSize int `json:"outbound_queue_size"`
	MaxSubscriptions  int `json:"max_subscriptions"`
	HeartbeatS        int `json:"heartbeat_s"`
}

// SupervisorConfig controls collector lifecycle management.
type SupervisorConfig struct {
	ShutdownGraceS int `json:"shutdown_grace_s"`
}

// DefaultConfig returns the documented defaults for every recognized option.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			PoolSize:        10,
			BatchSize:       500,
			FlushIntervalMS: 200,
		},
		Buffer: BufferConfig{
			MinuteFlushIntervalMS: 1000,
		},
		Collector: CollectorConfig{
			BackoffBaseMS: 1000,
			BackoffCapMS:  60000,
			IdleTimeoutS:  60,
		},
		Session: SessionConfig{
			OutboundQueueSize: 1024,
			MaxSubscriptions:  100,
			HeartbeatS:        30,
		},
		Supervisor: SupervisorConfig{
			ShutdownGraceS: 30,
		},
	}
}

// Load reads a JSON configuration file, applies environment overrides, and
// fills in any zero-valued fields from DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if redis := os.Getenv("REDIS_URL"); redis != "" {
		cfg.RedisURL = redis
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Storage.PoolSize <= 0 {
		c.Storage.PoolSize = d.Storage.PoolSize
	}
	if c.Storage.BatchSize <= 0 {
		c.Storage.BatchSize = d.Storage.BatchSize
	}
	if c.Storage.FlushIntervalMS <= 0 {
		c.Storage.FlushIntervalMS = d.Storage.FlushIntervalMS
	}
	if c.Buffer.MinuteFlushIntervalMS <= 0 {
		c.Buffer.MinuteFlushIntervalMS = d.Buffer.MinuteFlushIntervalMS
	}
	if c.Collector.BackoffBaseMS <= 0 {
		c.Collector.BackoffBaseMS = d.Collector.BackoffBaseMS
	}
	if c.Collector.BackoffCapMS <= 0 {
		c.Collector.BackoffCapMS = d.Collector.BackoffCapMS
	}
	if c.Collector.IdleTimeoutS <= 0 {
		c.Collector.IdleTimeoutS = d.Collector.IdleTimeoutS
	}
	if c.Session.OutboundQueueSize <= 0 {
		c.Session.OutboundQueueSize = d.Session.OutboundQueueSize
	}
	if c.Session.MaxSubscriptions <= 0 {
		c.Session.MaxSubscriptions = d.Session.MaxSubscriptions
	}
	if c.Session.HeartbeatS <= 0 {
		c.Session.HeartbeatS = d.Session.HeartbeatS
	}
	if c.Supervisor.ShutdownGraceS <= 0 {
		c.Supervisor.ShutdownGraceS = d.Supervisor.ShutdownGraceS
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("config: database_dsn is required")
	}
	if c.Collector.BackoffCapMS < c.Collector.BackoffBaseMS {
		return fmt.Errorf("config: collector.backoff_cap_ms must be >= backoff_base_ms")
	}
	return nil
}

// FlushInterval returns the storage flush interval as a time.Duration.
func (c StorageConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// FlushInterval returns the buffer flush interval as a time.Duration.
func (c BufferConfig) FlushInterval() time.Duration {
	return time.Duration(c.MinuteFlushIntervalMS) * time.Millisecond
}

// BackoffBase returns the collector backoff base as a time.Duration.
func (c CollectorConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns the collector backoff cap as a time.Duration.
func (c CollectorConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMS) * time.Millisecond
}

// IdleTimeout returns the collector idle-stream timeout as a time.Duration.
func (c CollectorConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutS) * time.Second
}

// Heartbeat returns the session heartbeat interval as a time.Duration.
func (c SessionConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatS) * time.Second
}

// ShutdownGrace returns the supervisor shutdown grace period as a
// time.Duration.
func (c SupervisorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceS) * time.Second
}
