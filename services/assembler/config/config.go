// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the assembler service configuration.
//
// Configuration comes from three layers, later layers winning: built-in
// defaults, an optional YAML file, and environment overrides for the
// deployment-specific values (ports and roots). Every tunable the runtime
// honours lives here; components receive the relevant sub-struct at
// construction and never read files or the environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the assembler service.
type Config struct {
	// Server configures the HTTP shell.
	Server ServerConfig `yaml:"server"`

	// Store configures the embedded Badger database.
	Store StoreConfig `yaml:"store"`

	// Guard configures the per-project repo guard.
	Guard GuardConfig `yaml:"guard"`

	// Git configures the git safety layer and snapshot storage.
	Git GitConfig `yaml:"git"`

	// LogBus configures the in-memory log streaming layer.
	LogBus LogBusConfig `yaml:"logbus"`

	// Tasks configures the task runtime and scheduler.
	Tasks TaskConfig `yaml:"tasks"`

	// Gradle configures build execution and supervision.
	Gradle GradleConfig `yaml:"gradle"`

	// Paths configures filesystem roots owned by the service.
	Paths PathConfig `yaml:"paths"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Port is the HTTP listen port. Default: 12310.
	Port int `yaml:"port"`

	// AuthToken, when non-empty, requires "Authorization: Bearer <token>"
	// on every /v1 route. Empty disables auth (single-user deployments).
	AuthToken string `yaml:"auth_token"`

	// TaskCreatesPerMinute rate-limits task creation. Default: 30.
	TaskCreatesPerMinute int `yaml:"task_creates_per_minute"`
}

// StoreConfig configures Badger.
type StoreConfig struct {
	// Path is the database directory. Default: "<data>/db".
	Path string `yaml:"path"`

	// InMemory runs Badger without persistence. Test-only.
	InMemory bool `yaml:"in_memory"`

	// GCInterval is how often the value-log GC runs. Default: 5m.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// GuardConfig configures the repo guard.
type GuardConfig struct {
	// LeaseTimeout is the default wait for a project lease. Default: 2m.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`

	// StaleLockMaxAge is the age past which an abandoned index.lock or
	// HEAD.lock is removed automatically. Younger locks are surfaced as
	// StaleLock faults. Default: 30m.
	StaleLockMaxAge time.Duration `yaml:"stale_lock_max_age"`
}

// GitConfig configures the git safety layer.
type GitConfig struct {
	// SnapshotTTL is the default lifetime of a snapshot. Default: 168h.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`

	// SnapshotRoot is the storage root for snapshot artifacts.
	// Default: "<data>/snapshots".
	SnapshotRoot string `yaml:"snapshot_root"`

	// CommandTimeout bounds a single git invocation. Default: 5m.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// GCInterval is how often expired snapshots are collected. Default: 1h.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// LogBusConfig configures the log bus.
type LogBusConfig struct {
	// RingSize is the per-task replay ring capacity. Default: 2000.
	RingSize int `yaml:"ring_size"`

	// SubscriberBuffer is the per-subscriber channel capacity. Default: 128.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// HeartbeatInterval is the idle heartbeat period. Default: 15s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// TeardownGrace is how long a closed stream stays readable. Default: 60s.
	TeardownGrace time.Duration `yaml:"teardown_grace"`
}

// TaskConfig configures the task runtime.
type TaskConfig struct {
	// MaxRunning caps concurrently running tasks process-wide. Default: 3.
	MaxRunning int `yaml:"max_running"`

	// Deadline is the per-run deadline. Default: 30m.
	Deadline time.Duration `yaml:"deadline"`
}

// GradleConfig configures build execution.
type GradleConfig struct {
	// TaskLine is the argument list handed to the wrapper.
	// Default: ["clean", ":app:assembleRelease"].
	TaskLine []string `yaml:"task_line"`

	// InactivityTimeout kills a build with no output. Default: 10m.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// KillGrace is the SIGTERM-to-SIGKILL grace. Default: 10s.
	KillGrace time.Duration `yaml:"kill_grace"`
}

// PathConfig configures filesystem roots.
type PathConfig struct {
	// DataRoot anchors store, snapshot and upload defaults.
	// Default: "~/.assemble".
	DataRoot string `yaml:"data_root"`

	// UploadRoot stages uploaded archives. Default: "<data>/uploads".
	UploadRoot string `yaml:"upload_root"`

	// TempRoot stages extraction and rename-in-place copies.
	// Default: os.TempDir()/assemble.
	TempRoot string `yaml:"temp_root"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Dir enables file logging when set.
	Dir string `yaml:"dir"`
}

// Load reads the YAML file at path (optional), applies environment
// overrides, fills the remaining defaults, and validates. Environment
// overrides come first so that derived defaults follow an overridden
// data root.
//
// # Inputs
//
//   - path: YAML config file. Empty means defaults + environment only.
//
// # Outputs
//
//   - *Config: Ready-to-use configuration.
//   - error: Non-nil on unreadable file, bad YAML, or invalid values.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 12310
	}
	if c.Server.TaskCreatesPerMinute == 0 {
		c.Server.TaskCreatesPerMinute = 30
	}
	if c.Paths.DataRoot == "" {
		c.Paths.DataRoot = "~/.assemble"
	}
	if c.Paths.UploadRoot == "" {
		c.Paths.UploadRoot = c.Paths.DataRoot + "/uploads"
	}
	if c.Paths.TempRoot == "" {
		c.Paths.TempRoot = os.TempDir() + "/assemble"
	}
	if c.Store.Path == "" {
		c.Store.Path = c.Paths.DataRoot + "/db"
	}
	if c.Store.GCInterval == 0 {
		c.Store.GCInterval = 5 * time.Minute
	}
	if c.Guard.LeaseTimeout == 0 {
		c.Guard.LeaseTimeout = 2 * time.Minute
	}
	if c.Guard.StaleLockMaxAge == 0 {
		c.Guard.StaleLockMaxAge = 30 * time.Minute
	}
	if c.Git.SnapshotTTL == 0 {
		c.Git.SnapshotTTL = 7 * 24 * time.Hour
	}
	if c.Git.SnapshotRoot == "" {
		c.Git.SnapshotRoot = c.Paths.DataRoot + "/snapshots"
	}
	if c.Git.CommandTimeout == 0 {
		c.Git.CommandTimeout = 5 * time.Minute
	}
	if c.Git.GCInterval == 0 {
		c.Git.GCInterval = time.Hour
	}
	if c.LogBus.RingSize == 0 {
		c.LogBus.RingSize = 2000
	}
	if c.LogBus.SubscriberBuffer == 0 {
		c.LogBus.SubscriberBuffer = 128
	}
	if c.LogBus.HeartbeatInterval == 0 {
		c.LogBus.HeartbeatInterval = 15 * time.Second
	}
	if c.LogBus.TeardownGrace == 0 {
		c.LogBus.TeardownGrace = 60 * time.Second
	}
	if c.Tasks.MaxRunning == 0 {
		c.Tasks.MaxRunning = 3
	}
	if c.Tasks.Deadline == 0 {
		c.Tasks.Deadline = 30 * time.Minute
	}
	if len(c.Gradle.TaskLine) == 0 {
		c.Gradle.TaskLine = []string{"clean", ":app:assembleRelease"}
	}
	if c.Gradle.InactivityTimeout == 0 {
		c.Gradle.InactivityTimeout = 10 * time.Minute
	}
	if c.Gradle.KillGrace == 0 {
		c.Gradle.KillGrace = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv applies environment overrides for deployment-specific values.
func (c *Config) applyEnv() {
	if v := os.Getenv("ASSEMBLE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("ASSEMBLE_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("ASSEMBLE_DATA_ROOT"); v != "" {
		c.Paths.DataRoot = v
	}
	if v := os.Getenv("ASSEMBLE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Tasks.MaxRunning < 1 {
		return errors.New("tasks.max_running must be >= 1")
	}
	if c.LogBus.RingSize < 1 {
		return errors.New("logbus.ring_size must be >= 1")
	}
	if c.LogBus.SubscriberBuffer < 1 {
		return errors.New("logbus.subscriber_buffer must be >= 1")
	}
	if c.Tasks.Deadline <= 0 {
		return errors.New("tasks.deadline must be > 0")
	}
	if c.Gradle.KillGrace <= 0 {
		return errors.New("gradle.kill_grace must be > 0")
	}
	if c.Gradle.InactivityTimeout <= c.Gradle.KillGrace {
		return errors.New("gradle.inactivity_timeout must be > gradle.kill_grace")
	}
	if c.Guard.LeaseTimeout <= 0 {
		return errors.New("guard.lease_timeout must be > 0")
	}
	if c.Git.SnapshotTTL <= 0 {
		return errors.New("git.snapshot_ttl must be > 0")
	}
	return nil
}
