package config

import (
	"fmt"
	"strings"
	"time"
)

// StorageConfig configures the relational store backing all memory tables.
type StorageConfig struct {
	// DatabaseURL selects driver and database:
	//   file:memori.db?cache=shared   (SQLite, the default)
	//   postgres://user:pw@host/db
	//   mysql://user:pw@host/db
	DatabaseURL     string        `yaml:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// ShortTermTTL is how long non-permanent short-term rows live before the
	// cleanup sweep may remove them.
	ShortTermTTL time.Duration `yaml:"short_term_ttl"`
}

func (c *StorageConfig) SetDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = "file:memori.db?cache=shared"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ShortTermTTL == 0 {
		c.ShortTermTTL = 7 * 24 * time.Hour
	}
}

func (c *StorageConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("connection limits must be non-negative")
	}
	switch {
	case strings.HasPrefix(c.DatabaseURL, "file:"),
		strings.HasPrefix(c.DatabaseURL, "sqlite://"),
		strings.HasPrefix(c.DatabaseURL, "postgres://"),
		strings.HasPrefix(c.DatabaseURL, "postgresql://"),
		strings.HasPrefix(c.DatabaseURL, "mysql://"),
		c.DatabaseURL == ":memory:":
	default:
		return fmt.Errorf("unsupported database_url scheme: %s", c.DatabaseURL)
	}
	return nil
}
