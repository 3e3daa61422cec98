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

// Package daemon wires the fwdd components together: state store, worker
// supervisor, event listener, control server, journal, metrics, and the
// config watcher.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fwdhub/fwdd/internal/config"
	"github.com/fwdhub/fwdd/internal/control"
	"github.com/fwdhub/fwdd/internal/events"
	"github.com/fwdhub/fwdd/internal/journal"
	"github.com/fwdhub/fwdd/internal/log"
	"github.com/fwdhub/fwdd/internal/metrics"
	"github.com/fwdhub/fwdd/internal/retry"
	"github.com/fwdhub/fwdd/internal/state"
	"github.com/fwdhub/fwdd/internal/supervisor"
	"github.com/fwdhub/fwdd/internal/worker"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the fwdd daemon instance.
type Daemon struct {
	opts    Options
	cfgPath string
	logger  *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config

	store    *state.Store
	journal  *journal.Journal
	client   *worker.Client
	sup      *supervisor.Supervisor
	listener *events.Listener
	control  *control.Server
	metrics  *metrics.Server

	pidFile string

	// shutdownCh is closed by the shutdown control command.
	shutdownCh chan struct{}
	shutdownMu sync.Once

	wg sync.WaitGroup
}

// New creates a daemon from a loaded configuration. cfgPath is kept so
// reload re-reads the same file. The journal is opened by the caller so
// the logger can tee into it before any component logs.
func New(cfg *config.Config, cfgPath string, opts Options, logger *slog.Logger, j *journal.Journal) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	statePath, err := cfg.StatePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state path: %w", err)
	}
	socketPath, err := cfg.SocketPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve socket path: %w", err)
	}
	pidFile, err := cfg.PIDPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pid path: %w", err)
	}

	store := state.NewStore(statePath, logger)
	store.LoadOrInit()

	client := worker.NewClient(cfg.Worker.APIPort)

	sup := supervisor.New(supervisorConfig(cfg), client, store, logger)

	d := &Daemon{
		opts:       opts,
		cfgPath:    cfgPath,
		cfg:        cfg,
		logger:     log.WithComponent(logger, "daemon"),
		store:      store,
		journal:    j,
		client:     client,
		sup:        sup,
		listener:   events.New(client, store, logger),
		control:    control.NewServer(socketPath, logger),
		pidFile:    pidFile,
		shutdownCh: make(chan struct{}),
	}

	if cfg.Metrics.Listen != "" {
		d.metrics = metrics.NewServer(cfg.Metrics.Listen, logger)
	}

	sup.SetOnHealthy(d.replayProfiles)

	if err := d.registerHandlers(); err != nil {
		return nil, err
	}

	return d, nil
}

// supervisorConfig maps the file configuration onto the supervisor.
func supervisorConfig(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		Command:         cfg.Worker.Command,
		Args:            cfg.Worker.Args,
		APIPort:         cfg.Worker.APIPort,
		BindPrefix:      cfg.Worker.BindPrefix,
		ProbeAttempts:   cfg.Worker.ProbeAttempts,
		ProbeInterval:   cfg.Worker.ProbeInterval,
		StabilityWindow: cfg.Worker.StabilityWindow,
		GracePeriod:     cfg.Worker.GracePeriod,
		Policy: retry.Policy{
			InitialDelay: cfg.Restart.InitialDelay,
			MaxDelay:     cfg.Restart.MaxDelay,
			Multiplier:   cfg.Restart.Multiplier,
			MaxAttempts:  cfg.Restart.MaxAttempts,
		},
	}
}

// Start runs the daemon until ctx is cancelled or a shutdown command
// arrives, then tears everything down in order.
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.control.Listen(); err != nil {
		return err
	}

	if d.metrics != nil {
		if err := d.metrics.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	d.logger.Info("fwdd starting",
		slog.String("version", d.opts.Version),
		slog.String("instance_id", d.store.Snapshot().InstanceID))

	d.initProfiles()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.store.RunPersistLoop(runCtx, d.snapshotCfg().State.PersistInterval)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.journal.RunPruneLoop(runCtx, time.Hour)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sup.Supervise(runCtx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.listener.Run(runCtx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.control.Serve(runCtx); err != nil {
			d.logger.Error("control server failed", log.Error(err))
		}
	}()

	if d.snapshotCfg().WatchEnabled() && d.cfgPath != "" {
		watcher := config.NewWatcher(d.cfgPath, func() {
			if err := d.Reload(); err != nil {
				d.logger.Warn("config auto-reload failed", log.Error(err))
			}
		}, d.logger)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := watcher.Run(runCtx); err != nil {
				d.logger.Warn("config watcher stopped", log.Error(err))
			}
		}()
	}

	select {
	case <-runCtx.Done():
	case <-d.shutdownCh:
		d.logger.Info("shutdown requested over control socket")
		cancel()
	}

	return d.shutdown()
}

// RequestShutdown asks the daemon to exit. Safe to call more than once.
func (d *Daemon) RequestShutdown() {
	d.shutdownMu.Do(func() { close(d.shutdownCh) })
}

// Reload re-reads the config file and applies the profile definitions.
// Worker and restart settings take effect on the next worker restart.
func (d *Daemon) Reload() error {
	if d.cfgPath == "" {
		return fmt.Errorf("daemon started without a config path")
	}

	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return fmt.Errorf("reload failed, keeping previous config: %w", err)
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	d.syncProfiles(cfg)
	d.logger.Info("configuration reloaded",
		slog.Int("profiles", len(cfg.Profiles)))
	return nil
}

// snapshotCfg returns the current config under the read lock.
func (d *Daemon) snapshotCfg() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// shutdown tears the daemon down, bounded by the shutdown timeout.
func (d *Daemon) shutdown() error {
	d.logger.Info("shutting down")

	timeout := d.snapshotCfg().Daemon.ShutdownTimeout

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("shutdown timed out waiting for components",
			slog.Duration("timeout", timeout))
	}

	if err := d.control.Close(); err != nil {
		d.logger.Warn("control server close failed", log.Error(err))
	}

	if d.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("metrics server shutdown failed", log.Error(err))
		}
		cancel()
	}

	// Final state flush; the persist loop already flushed on cancellation,
	// but profile mutations may have landed after it exited.
	if err := d.store.Persist(); err != nil {
		d.logger.Warn("final state persist failed", log.Error(err))
	}

	if err := d.journal.Close(); err != nil {
		d.logger.Warn("journal close failed", log.Error(err))
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("failed to remove PID file", log.Error(err),
				slog.String("path", d.pidFile))
		}
	}

	d.logger.Info("shutdown complete")
	return nil
}

// writePIDFile writes the current process ID with owner-only permissions.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0700); err != nil {
		return err
	}
	return os.WriteFile(d.pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600)
}
