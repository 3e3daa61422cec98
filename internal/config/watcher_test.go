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
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_TriggersOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  command: kprtfwd\n"), 0600))

	var triggers atomic.Int32
	w := NewWatcher(path, func() { triggers.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Give the watcher time to install before mutating the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  command: other\n"), 0600))

	require.Eventually(t, func() bool {
		return triggers.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond, "write should trigger a reload")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  command: kprtfwd\n"), 0600))

	var triggers atomic.Int32
	w := NewWatcher(path, func() { triggers.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0600))

	// Longer than the debounce window; the sibling write must not fire.
	time.Sleep(time.Second)
	assert.Zero(t, triggers.Load())
}

func TestWatcher_AtomicReplaceTriggers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  command: kprtfwd\n"), 0600))

	var triggers atomic.Int32
	w := NewWatcher(path, func() { triggers.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)

	// Editor-style atomic save: write a temp file, rename over the target.
	tmp := filepath.Join(dir, ".config.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("worker:\n  command: replaced\n"), 0600))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		return triggers.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond, "atomic replace should trigger a reload")
}
