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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/fwdhub/fwdd/internal/log"
)

// Watcher debounce and rate-limit settings. Editors fire bursts of events
// per save, and atomic saves replace the file rather than writing it.
const (
	debounceWindow = 500 * time.Millisecond
	reloadInterval = 2 * time.Second
)

// Watcher observes the config file and invokes the reload callback when it
// changes on disk.
type Watcher struct {
	path     string
	onChange func()
	logger   *slog.Logger
	limiter  *rate.Limiter
}

// NewWatcher creates a watcher for the config file at path. onChange runs
// on the watcher goroutine; it should hand off to the daemon's reload path
// rather than doing heavy work inline.
func NewWatcher(path string, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   log.WithComponent(logger, "config-watcher"),
		limiter:  rate.NewLimiter(rate.Every(reloadInterval), 1),
	}
}

// Run watches until ctx is cancelled. The parent directory is watched
// instead of the file itself so atomic saves (write temp, rename over) keep
// triggering.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Debug("watching config file", slog.String("path", w.path))

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				debounceC = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			if !w.limiter.Allow() {
				w.logger.Debug("config reload rate limited")
				continue
			}
			w.logger.Info("config file changed, reloading")
			w.onChange()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", log.Error(err))
		}
	}
}
