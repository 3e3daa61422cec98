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

package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fwdhub/fwdd/internal/log"
)

// Store is the single mutable shared resource of the daemon. A mutex
// serializes all updates; snapshots are deep copies, so readers never
// observe a half-applied mutation.
type Store struct {
	mu       sync.RWMutex
	state    DaemonState
	filePath string
	dirty    bool
	logger   *slog.Logger
}

// NewStore creates a store persisting to filePath.
func NewStore(filePath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state:    newDefaultState(),
		filePath: filePath,
		logger:   log.WithComponent(logger, "state"),
	}
}

// LoadOrInit reads the persisted state file. A missing, unreadable, or
// unparseable file is not a startup failure: it logs a warning and leaves
// fresh default state in place.
//
// Volatile fields never survive a daemon restart: the worker is marked
// stopped, service records are cleared (the event stream rebuilds them),
// and StartedAt is stamped with the current time. Durable fields
// (instance id, profile enablement, counters) carry over.
func (s *Store) LoadOrInit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.readFile()
	switch {
	case err == nil:
		s.state = loaded
	case os.IsNotExist(err):
		// First start, nothing to recover.
	default:
		s.logger.Warn("state file unusable, starting fresh",
			log.Error(err),
			slog.String("path", s.filePath))
	}

	if s.state.InstanceID == "" {
		s.state.InstanceID = uuid.New().String()
		s.dirty = true
	}

	s.state.Version = StateFileVersion
	s.state.StartedAt = time.Now()
	s.state.Worker = WorkerState{Status: WorkerStopped}
	s.state.Services = make(map[string]*ServiceRecord)
	for _, p := range s.state.Profiles {
		p.Active = false
	}
}

// readFile parses the state file, validating its format version.
func (s *Store) readFile() (DaemonState, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return DaemonState{}, err
	}

	var loaded DaemonState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return DaemonState{}, err
	}

	if loaded.Version != StateFileVersion {
		s.logger.Warn("state file version mismatch, starting fresh",
			slog.Int("file_version", loaded.Version),
			slog.Int("supported_version", StateFileVersion))
		return newDefaultState(), nil
	}

	if loaded.Services == nil {
		loaded.Services = make(map[string]*ServiceRecord)
	}
	if loaded.Profiles == nil {
		loaded.Profiles = make(map[string]*ProfileState)
	}

	return loaded, nil
}

// Snapshot returns an immutable copy of the current state.
func (s *Store) Snapshot() DaemonState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Update applies fn to the state as one indivisible step and bumps the
// revision. fn must not retain the *DaemonState beyond the call.
func (s *Store) Update(fn func(*DaemonState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state)
	s.state.Revision++
	s.dirty = true
}

// Persist serializes the current state to the state file. It is a no-op
// when nothing changed since the last write.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	return s.persistLocked()
}

// persistLocked writes atomically via a temp file and rename. Caller must
// hold the write lock.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpFile, s.filePath); err != nil {
		os.Remove(tmpFile)
		return err
	}

	s.dirty = false
	return nil
}

// FilePath returns the path of the state file.
func (s *Store) FilePath() string {
	return s.filePath
}
