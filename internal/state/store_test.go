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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "state.json"), nil)
	s.LoadOrInit()
	return s
}

func TestStore_UpdateBumpsRevision(t *testing.T) {
	s := newTestStore(t)

	before := s.Snapshot().Revision
	s.Update(func(st *DaemonState) {
		st.Counters.WorkerRestarts++
	})
	after := s.Snapshot()

	assert.Equal(t, before+1, after.Revision)
	assert.Equal(t, uint64(1), after.Counters.WorkerRestarts)
}

func TestStore_SnapshotIsIsolated(t *testing.T) {
	s := newTestStore(t)
	s.Update(func(st *DaemonState) {
		st.Services[ServiceKey("ns1", "api")] = &ServiceRecord{
			Name:      "api",
			Namespace: "ns1",
			Status:    ServiceConnected,
		}
	})

	snap := s.Snapshot()

	// Mutating a snapshot must not leak into the store.
	snap.Services[ServiceKey("ns1", "api")].Status = ServiceFailed
	snap.Services["ns2/db"] = &ServiceRecord{Name: "db", Namespace: "ns2"}

	fresh := s.Snapshot()
	require.NotNil(t, fresh.Service("ns1", "api"))
	assert.Equal(t, ServiceConnected, fresh.Service("ns1", "api").Status)
	assert.Nil(t, fresh.Service("ns2", "db"))
}

func TestStore_ConcurrentUpdatesAndSnapshots(t *testing.T) {
	s := newTestStore(t)

	const writers = 8
	const updates = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				s.Update(func(st *DaemonState) {
					st.Counters.ServiceReconnects++
				})
			}
		}()
	}

	// Readers race the writers. Every snapshot must be internally
	// consistent: revision moves with the counter, one bump per update.
	var rg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		rg.Add(1)
		go func() {
			defer rg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				if snap.Counters.ServiceReconnects > snap.Revision {
					t.Error("snapshot observed counter ahead of revision")
					return
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	rg.Wait()

	final := s.Snapshot()
	assert.Equal(t, uint64(writers*updates), final.Counters.ServiceReconnects)
	assert.Equal(t, uint64(writers*updates), final.Revision)
}

func TestStore_PersistThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := NewStore(path, nil)
	s.LoadOrInit()
	s.Update(func(st *DaemonState) {
		st.Profiles["dev"] = &ProfileState{Enabled: true, Active: true}
		st.Counters.WorkerRestarts = 7
		st.Counters.ServiceReconnects = 3
	})
	require.NoError(t, s.Persist())

	instanceID := s.Snapshot().InstanceID
	require.NotEmpty(t, instanceID)

	// A new store over the same file recovers durable fields and resets
	// volatile ones.
	s2 := NewStore(path, nil)
	s2.LoadOrInit()
	snap := s2.Snapshot()

	assert.Equal(t, instanceID, snap.InstanceID)
	assert.Equal(t, uint64(7), snap.Counters.WorkerRestarts)
	assert.Equal(t, uint64(3), snap.Counters.ServiceReconnects)
	require.NotNil(t, snap.Profiles["dev"])
	assert.True(t, snap.Profiles["dev"].Enabled)
	assert.False(t, snap.Profiles["dev"].Active, "active flag is volatile")
	assert.Equal(t, WorkerStopped, snap.Worker.Status)
	assert.Empty(t, snap.Services, "service records are volatile")
}

func TestStore_PersistIsSkippedWhenClean(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Persist())

	info1, err := os.Stat(s.FilePath())
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Persist())

	info2, err := os.Stat(s.FilePath())
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "clean persist should not rewrite the file")
}

func TestStore_LoadCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s := NewStore(path, nil)
	s.LoadOrInit()

	snap := s.Snapshot()
	assert.Equal(t, WorkerStopped, snap.Worker.Status)
	assert.NotEmpty(t, snap.InstanceID)
}

func TestStore_LoadVersionMismatchStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "instance_id": "old"}`), 0600))

	s := NewStore(path, nil)
	s.LoadOrInit()

	snap := s.Snapshot()
	assert.NotEqual(t, "old", snap.InstanceID, "mismatched version must be discarded")
}

func TestStore_PersistFilePermissions(t *testing.T) {
	s := newTestStore(t)
	s.Update(func(st *DaemonState) { st.Counters.WorkerRestarts++ })
	require.NoError(t, s.Persist())

	info, err := os.Stat(s.FilePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
