package config

import (
	"fmt"
	"time"
)

// CacheConfig configures the LLM response cache.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxSizeMB       int           `yaml:"max_size_mb"`      // eviction threshold for serialized entries
	ChatTTL         time.Duration `yaml:"chat_ttl"`         // time-to-live for chat completions
	EmbeddingTTL    time.Duration `yaml:"embedding_ttl"`    // time-to-live for embeddings
	MaxTTL          time.Duration `yaml:"max_ttl"`          // upper bound for any entry TTL
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // expired-entry sweep period
}

func (c *CacheConfig) SetDefaults() {
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 100
	}
	if c.ChatTTL == 0 {
		c.ChatTTL = 5 * time.Minute
	}
	if c.EmbeddingTTL == 0 {
		c.EmbeddingTTL = time.Hour
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = time.Hour
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

func (c *CacheConfig) Validate() error {
	if c.MaxSizeMB < 0 {
		return fmt.Errorf("max_size_mb must be non-negative")
	}
	if c.ChatTTL < 0 || c.EmbeddingTTL < 0 || c.MaxTTL < 0 {
		return fmt.Errorf("TTLs must be non-negative")
	}
	return nil
}

// PoolConfig configures the provider connection pool.
type PoolConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxConnections int           `yaml:"max_connections"` // providers per pool key
	MaxIdleTime    time.Duration `yaml:"max_idle_time"`   // idle providers older than this are closed
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // wait limit when the pool is exhausted
	SweepInterval  time.Duration `yaml:"sweep_interval"`  // health/idle sweep period
}

func (c *PoolConfig) SetDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
}

func (c *PoolConfig) Validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be non-negative")
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("acquire_timeout must be non-negative")
	}
	return nil
}

// HealthConfig configures provider health monitoring.
type HealthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before unhealthy
	SuccessThreshold int           `yaml:"success_threshold"` // consecutive successes before healthy
	ProbeInterval    time.Duration `yaml:"probe_interval"`    // background probe period
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`     // per-probe deadline
	HistorySize      int           `yaml:"history_size"`      // retained check events per provider
}

func (c *HealthConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = time.Minute
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.HistorySize == 0 {
		c.HistorySize = 100
	}
}

func (c *HealthConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be at least 1")
	}
	if c.ProbeTimeout < 0 {
		return fmt.Errorf("probe_timeout must be non-negative")
	}
	return nil
}
