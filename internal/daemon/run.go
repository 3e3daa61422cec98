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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fwdhub/fwdd/internal/config"
	"github.com/fwdhub/fwdd/internal/journal"
	"github.com/fwdhub/fwdd/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath overrides the default config file location.
	ConfigPath string

	// Config overrides applied after the file is loaded.
	SocketPath    string
	WorkerCommand string
	MetricsListen string
}

// Run starts the daemon and blocks until shutdown. SIGINT and SIGTERM
// trigger graceful shutdown; SIGHUP reloads the configuration.
func Run(opts RunOptions) error {
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		var err error
		cfgPath, err = config.ConfigPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.SocketPath != "" {
		cfg.Control.SocketPath = opts.SocketPath
	}
	if opts.WorkerCommand != "" {
		cfg.Worker.Command = opts.WorkerCommand
	}
	if opts.MetricsListen != "" {
		cfg.Metrics.Listen = opts.MetricsListen
	}

	journalPath, err := cfg.JournalPath()
	if err != nil {
		return fmt.Errorf("failed to resolve journal path: %w", err)
	}
	j, err := journal.Open(journal.Config{
		Path:       journalPath,
		Retention:  cfg.Journal.Retention,
		MaxEntries: cfg.Journal.MaxEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	// Logging per config, teed into the journal so get_logs serves
	// history. Environment variables win over the file settings.
	logCfg := log.FromEnv()
	if os.Getenv("FWDD_DEBUG") == "" && os.Getenv("FWDD_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		logCfg.Level = cfg.Log.Level
	}
	if os.Getenv("LOG_FORMAT") == "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	if cfg.Log.Source {
		logCfg.AddSource = true
	}
	base := log.New(logCfg)
	logger := slog.New(journal.NewHandler(base.Handler(), j))
	slog.SetDefault(logger)

	d, err := New(cfg, cfgPath, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, logger, j)
	if err != nil {
		j.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logger.Info("SIGHUP received, reloading configuration")
				if err := d.Reload(); err != nil {
					logger.Warn("reload failed", log.Error(err))
				}
			default:
				logger.Info("shutdown signal received", slog.String("signal", sig.String()))
				cancel()
				return
			}
		}
	}()

	return d.Start(ctx)
}
