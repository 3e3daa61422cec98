// Copyright 2025 The fwdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete fwdd configuration.
type Config struct {
	Log      LogConfig          `yaml:"log,omitempty"`
	Worker   WorkerConfig       `yaml:"worker"`
	Restart  RestartConfig      `yaml:"restart,omitempty"`
	State    StateConfig        `yaml:"state,omitempty"`
	Journal  JournalConfig      `yaml:"journal,omitempty"`
	Control  ControlConfig      `yaml:"control,omitempty"`
	Metrics  MetricsConfig      `yaml:"metrics,omitempty"`
	Daemon   DaemonConfig       `yaml:"daemon,omitempty"`
	Profiles map[string]Profile `yaml:"profiles,omitempty"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format selects the output encoding (json, text).
	// Default: json
	Format string `yaml:"format,omitempty"`

	// Source includes source locations in log records.
	Source bool `yaml:"source,omitempty"`
}

// WorkerConfig configures the supervised forwarding worker.
type WorkerConfig struct {
	// Command is the worker executable. Required.
	Command string `yaml:"command"`

	// Args are extra arguments placed before the generated flags.
	Args []string `yaml:"args,omitempty"`

	// APIPort is the worker's local control API port.
	// Default: 7780
	APIPort int `yaml:"api_port,omitempty"`

	// BindPrefix is the CIDR the worker binds forwarded services in.
	// Default: 127.0.49.0/24
	BindPrefix string `yaml:"bind_prefix,omitempty"`

	// ProbeAttempts bounds the post-spawn health poll.
	// Default: 30
	ProbeAttempts int `yaml:"probe_attempts,omitempty"`

	// ProbeInterval is the delay between health probes.
	// Default: 100ms
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty"`

	// StabilityWindow is how long a run must survive before the failure
	// streak resets.
	// Default: 30s
	StabilityWindow time.Duration `yaml:"stability_window,omitempty"`

	// GracePeriod bounds graceful termination before a kill.
	// Default: 10s
	GracePeriod time.Duration `yaml:"grace_period,omitempty"`
}

// RestartConfig configures the worker restart backoff.
type RestartConfig struct {
	// InitialDelay is the delay after the first failure.
	// Default: 1s
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`

	// MaxDelay caps the delay between attempts.
	// Default: 60s
	MaxDelay time.Duration `yaml:"max_delay,omitempty"`

	// Multiplier grows the delay after each failure. Must be > 1.0.
	// Default: 2.0
	Multiplier float64 `yaml:"multiplier,omitempty"`

	// MaxAttempts limits consecutive failures before the worker parks in
	// the failed state. Zero means retry forever.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// StateConfig configures state persistence.
type StateConfig struct {
	// Path is the state snapshot file. Empty uses the XDG data dir.
	Path string `yaml:"path,omitempty"`

	// PersistInterval is how often dirty state is flushed to disk.
	// Default: 5s
	PersistInterval time.Duration `yaml:"persist_interval,omitempty"`
}

// JournalConfig configures the SQLite log journal.
type JournalConfig struct {
	// Path is the journal database file. Empty uses the XDG data dir.
	Path string `yaml:"path,omitempty"`

	// Retention bounds how long entries are kept.
	// Default: 72h
	Retention time.Duration `yaml:"retention,omitempty"`

	// MaxEntries caps the journal size regardless of age.
	// Default: 10000
	MaxEntries int `yaml:"max_entries,omitempty"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	// SocketPath is the Unix socket path. Empty uses the XDG runtime dir.
	SocketPath string `yaml:"socket_path,omitempty"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the metrics listen address (e.g. 127.0.0.1:9641).
	// Empty disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// DaemonConfig configures daemon process behavior.
type DaemonConfig struct {
	// PIDFile is the PID file path. Empty uses the XDG runtime dir.
	PIDFile string `yaml:"pid_file,omitempty"`

	// WatchConfig reloads profiles automatically when the config file
	// changes on disk.
	// Default: true
	WatchConfig *bool `yaml:"watch_config,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// Profile is a named set of namespaces forwarded together.
type Profile struct {
	// Context is the upstream cluster context the namespaces live in.
	Context string `yaml:"context,omitempty"`

	// Namespaces are pushed to the worker when the profile starts.
	Namespaces []string `yaml:"namespaces"`

	// Labels narrow which services inside the namespaces are forwarded.
	Labels map[string]string `yaml:"labels,omitempty"`

	// Enabled profiles activate automatically on daemon start.
	Enabled bool `yaml:"enabled,omitempty"`
}

// Default returns a Config with all defaults applied and no profiles.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the config file at path. A missing file yields
// the defaults, so a fresh install runs without any configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Worker.Command == "" {
		c.Worker.Command = "kprtfwd"
	}
	if c.Worker.APIPort == 0 {
		c.Worker.APIPort = 7780
	}
	if c.Worker.BindPrefix == "" {
		c.Worker.BindPrefix = "127.0.49.0/24"
	}
	if c.Worker.ProbeAttempts == 0 {
		c.Worker.ProbeAttempts = 30
	}
	if c.Worker.ProbeInterval == 0 {
		c.Worker.ProbeInterval = 100 * time.Millisecond
	}
	if c.Worker.StabilityWindow == 0 {
		c.Worker.StabilityWindow = 30 * time.Second
	}
	if c.Worker.GracePeriod == 0 {
		c.Worker.GracePeriod = 10 * time.Second
	}
	if c.Restart.InitialDelay == 0 {
		c.Restart.InitialDelay = time.Second
	}
	if c.Restart.MaxDelay == 0 {
		c.Restart.MaxDelay = 60 * time.Second
	}
	if c.Restart.Multiplier == 0 {
		c.Restart.Multiplier = 2.0
	}
	if c.State.PersistInterval == 0 {
		c.State.PersistInterval = 5 * time.Second
	}
	if c.Journal.Retention == 0 {
		c.Journal.Retention = 72 * time.Hour
	}
	if c.Journal.MaxEntries == 0 {
		c.Journal.MaxEntries = 10000
	}
	if c.Daemon.WatchConfig == nil {
		watch := true
		c.Daemon.WatchConfig = &watch
	}
	if c.Daemon.ShutdownTimeout == 0 {
		c.Daemon.ShutdownTimeout = 15 * time.Second
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Worker.Command == "" {
		return fmt.Errorf("%w: worker.command is required", ErrInvalidConfig)
	}
	if c.Worker.APIPort < 1 || c.Worker.APIPort > 65535 {
		return fmt.Errorf("%w: worker.api_port %d out of range", ErrInvalidConfig, c.Worker.APIPort)
	}
	if c.Restart.Multiplier <= 1.0 {
		return fmt.Errorf("%w: restart.multiplier must be > 1.0, got %v", ErrInvalidConfig, c.Restart.Multiplier)
	}
	if c.Restart.InitialDelay <= 0 {
		return fmt.Errorf("%w: restart.initial_delay must be positive", ErrInvalidConfig)
	}
	if c.Restart.MaxDelay < c.Restart.InitialDelay {
		return fmt.Errorf("%w: restart.max_delay %v below initial_delay %v",
			ErrInvalidConfig, c.Restart.MaxDelay, c.Restart.InitialDelay)
	}
	if c.Restart.MaxAttempts < 0 {
		return fmt.Errorf("%w: restart.max_attempts must not be negative", ErrInvalidConfig)
	}

	for name, p := range c.Profiles {
		if name == "" {
			return fmt.Errorf("%w: profile with empty name", ErrInvalidConfig)
		}
		if len(p.Namespaces) == 0 {
			return fmt.Errorf("%w: profile %q has no namespaces", ErrInvalidConfig, name)
		}
		for _, ns := range p.Namespaces {
			if ns == "" {
				return fmt.Errorf("%w: profile %q has an empty namespace", ErrInvalidConfig, name)
			}
		}
	}

	return nil
}

// WatchEnabled reports whether config auto-reload is on.
func (c *Config) WatchEnabled() bool {
	return c.Daemon.WatchConfig == nil || *c.Daemon.WatchConfig
}
