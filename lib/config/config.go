// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the sync service.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Listen configures the client-facing listener.
	Listen ListenConfig `yaml:"listen"`

	// Storage configures snapshot persistence.
	Storage StorageConfig `yaml:"storage"`

	// Sync configures document and presence lifecycle.
	Sync SyncConfig `yaml:"sync"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`

	// Per-environment overrides, applied after the base values.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Listen  *ListenConfig  `yaml:"listen,omitempty"`
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Sync    *SyncConfig    `yaml:"sync,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty"`
}

// ListenConfig configures the client-facing listener.
type ListenConfig struct {
	// Address is the TCP address to bind, e.g. ":7891". Use ":0" for
	// a random port (tests).
	Address string `yaml:"address"`
}

// StorageConfig configures snapshot persistence.
type StorageConfig struct {
	// Path is the SQLite database file. Empty disables persistence
	// (documents live only in memory).
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection pool size. Default 4.
	PoolSize int `yaml:"pool_size"`

	// SnapshotInterval is the write-behind cadence for hot documents.
	// Duration string, default "30s".
	SnapshotInterval string `yaml:"snapshot_interval"`

	// SnapshotEveryOps triggers an early snapshot after this many
	// accepted operations. Default 200.
	SnapshotEveryOps int `yaml:"snapshot_every_ops"`

	// RetryInitialBackoff is the delay before the first persistence
	// retry after a failure. Duration string, default "1s".
	RetryInitialBackoff string `yaml:"retry_initial_backoff"`

	// RetryMaxBackoff caps the persistence retry backoff. Duration
	// string, default "1m".
	RetryMaxBackoff string `yaml:"retry_max_backoff"`
}

// SyncConfig configures document and presence lifecycle.
type SyncConfig struct {
	// IdleEviction is how long a document with no connections stays
	// resident. Duration string, default "45s".
	IdleEviction string `yaml:"idle_eviction"`

	// PresenceTTL is how long a presence entry survives without a
	// heartbeat. Duration string, default "30s".
	PresenceTTL string `yaml:"presence_ttl"`

	// SendBuffer is each connection's outbound frame queue length.
	// Default 64.
	SendBuffer int `yaml:"send_buffer"`

	// SingleConnectionPerClient closes a client's previous connection
	// when it reconnects to the same document. Default false.
	SingleConnectionPerClient bool `yaml:"single_connection_per_client"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error. Default
	// info.
	Level string `yaml:"level"`

	// Format is "text" or "json". Default text (development), json
	// (production).
	Format string `yaml:"format"`
}

// Default returns the default configuration. These defaults exist so
// every field has a sensible zero-value before the file is merged in,
// not as a substitute for the file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			Address: ":7891",
		},
		Storage: StorageConfig{
			Path:                filepath.Join(homeDir, ".cache", "inkwell", "snapshots.db"),
			PoolSize:            4,
			SnapshotInterval:    "30s",
			SnapshotEveryOps:    200,
			RetryInitialBackoff: "1s",
			RetryMaxBackoff:     "1m",
		},
		Sync: SyncConfig{
			IdleEviction: "45s",
			PresenceTTL:  "30s",
			SendBuffer:   64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the INKWELL_CONFIG environment
// variable. If it is not set, this fails; use --config or set the
// variable.
func Load() (*Config, error) {
	configPath := os.Getenv("INKWELL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("INKWELL_CONFIG environment variable not set; " +
			"set it to the path of your inkwell.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth; environment variables do not override
// values. The only expansion performed is ${HOME} and similar path
// variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if c.Log.Format == "text" && (overrides == nil || overrides.Log == nil) {
			c.Log.Format = "json"
		}
	}
	if overrides == nil {
		return
	}
	if overrides.Listen != nil {
		c.Listen = *overrides.Listen
	}
	if overrides.Storage != nil {
		c.Storage = *overrides.Storage
	}
	if overrides.Sync != nil {
		c.Sync = *overrides.Sync
	}
	if overrides.Log != nil {
		c.Log = *overrides.Log
	}
}

// expandVariables expands ${HOME} (and any other environment
// variable) in path fields.
func (c *Config) expandVariables() {
	c.Storage.Path = os.ExpandEnv(c.Storage.Path)
}

// Validate checks field values that would otherwise fail deep inside
// the service.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address must not be empty")
	}
	for name, value := range map[string]string{
		"storage.snapshot_interval":     c.Storage.SnapshotInterval,
		"storage.retry_initial_backoff": c.Storage.RetryInitialBackoff,
		"storage.retry_max_backoff":     c.Storage.RetryMaxBackoff,
		"sync.idle_eviction":            c.Sync.IdleEviction,
		"sync.presence_ttl":             c.Sync.PresenceTTL,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// duration parses a duration field, returning fallback for empty
// strings. Validate has already rejected malformed values.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// SnapshotIntervalDuration returns the parsed write-behind cadence.
func (c *StorageConfig) SnapshotIntervalDuration() time.Duration {
	return duration(c.SnapshotInterval, 30*time.Second)
}

// RetryInitialBackoffDuration returns the parsed first-retry delay.
func (c *StorageConfig) RetryInitialBackoffDuration() time.Duration {
	return duration(c.RetryInitialBackoff, time.Second)
}

// RetryMaxBackoffDuration returns the parsed backoff cap.
func (c *StorageConfig) RetryMaxBackoffDuration() time.Duration {
	return duration(c.RetryMaxBackoff, time.Minute)
}

// IdleEvictionDuration returns the parsed idle-eviction grace.
func (c *SyncConfig) IdleEvictionDuration() time.Duration {
	return duration(c.IdleEviction, 45*time.Second)
}

// PresenceTTLDuration returns the parsed presence TTL.
func (c *SyncConfig) PresenceTTLDuration() time.Duration {
	return duration(c.PresenceTTL, 30*time.Second)
}
