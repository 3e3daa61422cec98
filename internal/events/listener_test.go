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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdhub/fwdd/internal/state"
	"github.com/fwdhub/fwdd/internal/worker"
)

func newTestListener(t *testing.T) (*Listener, *state.Store) {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)
	store.LoadOrInit()
	l := New(worker.NewClientURL("http://127.0.0.1:1"), store, nil)
	return l, store
}

func up(service, namespace string) worker.Event {
	return worker.Event{
		Type:      worker.EventServiceUp,
		Service:   service,
		Namespace: namespace,
		LocalIP:   "127.1.2.3",
		LocalPort: 8080,
	}
}

func TestApply_ServiceUpCreatesRecord(t *testing.T) {
	l, store := newTestListener(t)

	l.Apply(up("api", "ns1"))

	snap := store.Snapshot()
	rec := snap.Service("ns1", "api")
	require.NotNil(t, rec)
	assert.Equal(t, state.ServiceConnected, rec.Status)
	assert.Equal(t, "127.1.2.3:8080", rec.LocalAddr)
	assert.NotNil(t, rec.ConnectedAt)
}

func TestApply_DownReconnectingReconnectedSequence(t *testing.T) {
	l, store := newTestListener(t)

	l.Apply(up("api", "ns1"))
	l.Apply(worker.Event{Type: worker.EventServiceDown, Service: "api", Namespace: "ns1", Reason: "pod deleted"})

	st := store.Snapshot()
	rec := st.Service("ns1", "api")
	require.NotNil(t, rec)
	assert.Equal(t, state.ServiceReconnecting, rec.Status)
	assert.Equal(t, "pod deleted", rec.LastError)

	l.Apply(worker.Event{Type: worker.EventReconnecting, Service: "api", Namespace: "ns1", Attempt: 1})
	l.Apply(worker.Event{Type: worker.EventReconnected, Service: "api", Namespace: "ns1"})

	snap := store.Snapshot()
	rec = snap.Service("ns1", "api")
	assert.Equal(t, state.ServiceConnected, rec.Status)
	assert.Equal(t, 1, rec.ReconnectCount)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, uint64(1), snap.Counters.ServiceReconnects)
}

func TestApply_RepeatedDownFailsRecord(t *testing.T) {
	l, store := newTestListener(t)

	l.Apply(up("api", "ns1"))
	l.Apply(worker.Event{Type: worker.EventServiceDown, Service: "api", Namespace: "ns1", Reason: "first"})
	l.Apply(worker.Event{Type: worker.EventServiceDown, Service: "api", Namespace: "ns1", Reason: "second"})

	snap := store.Snapshot()
	rec := snap.Service("ns1", "api")
	assert.Equal(t, state.ServiceFailed, rec.Status)
	assert.Equal(t, "second", rec.LastError)
}

func TestApply_InvalidTransitionIsNoOp(t *testing.T) {
	l, store := newTestListener(t)

	l.Apply(up("api", "ns1"))
	l.Apply(worker.Event{Type: worker.EventServiceDown, Service: "api", Namespace: "ns1", Reason: "first"})
	l.Apply(worker.Event{Type: worker.EventServiceDown, Service: "api", Namespace: "ns1", Reason: "second"})

	// Failed -> Connected via reconnected is not a legal edge; the record
	// must keep its failed status and reconnect count.
	l.Apply(worker.Event{Type: worker.EventReconnected, Service: "api", Namespace: "ns1"})

	snap := store.Snapshot()
	rec := snap.Service("ns1", "api")
	assert.Equal(t, state.ServiceFailed, rec.Status)
	assert.Equal(t, 0, rec.ReconnectCount)
	assert.Equal(t, uint64(0), snap.Counters.ServiceReconnects)
}

func TestApply_ErrorFailsConnectingService(t *testing.T) {
	l, store := newTestListener(t)

	// Record created by hand in connecting, as after a namespace add.
	store.Update(func(st *state.DaemonState) {
		st.Services[state.ServiceKey("ns1", "api")] = &state.ServiceRecord{
			Name: "api", Namespace: "ns1", Status: state.ServiceConnecting,
		}
	})

	l.Apply(worker.Event{Type: worker.EventError, Service: "api", Namespace: "ns1", Message: "bind refused"})

	snap := store.Snapshot()
	rec := snap.Service("ns1", "api")
	assert.Equal(t, state.ServiceFailed, rec.Status)
	assert.Equal(t, "bind refused", rec.LastError)
}

func TestApply_WorkerLevelErrorTouchesNothing(t *testing.T) {
	l, store := newTestListener(t)
	l.Apply(up("api", "ns1"))
	before := store.Snapshot().Revision

	l.Apply(worker.Event{Type: worker.EventError, Message: "cluster unreachable"})

	assert.Equal(t, before, store.Snapshot().Revision)
}

func TestApply_NamespaceRemovedDropsRecords(t *testing.T) {
	l, store := newTestListener(t)

	l.Apply(up("api", "ns1"))
	l.Apply(up("db", "ns1"))
	l.Apply(up("web", "ns2"))

	l.Apply(worker.Event{Type: worker.EventNamespaceRemoved, Namespace: "ns1"})

	snap := store.Snapshot()
	assert.Nil(t, snap.Service("ns1", "api"))
	assert.Nil(t, snap.Service("ns1", "db"))
	assert.NotNil(t, snap.Service("ns2", "web"))
}

func TestApply_UnknownEventIgnored(t *testing.T) {
	l, store := newTestListener(t)
	before := store.Snapshot().Revision

	l.Apply(worker.Event{Type: worker.EventType("mystery")})

	assert.Equal(t, before, store.Snapshot().Revision)
}

func TestRun_ConsumesStreamAndStopsOnCancel(t *testing.T) {
	events := []string{
		`{"type":"service_up","service":"api","namespace":"ns1","local_ip":"127.1.2.3","local_port":8080}`,
		`{"type":"service_down","service":"api","namespace":"ns1","reason":"gone"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range events {
			fmt.Fprintln(w, line)
		}
	}))
	defer srv.Close()

	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)
	store.LoadOrInit()
	l := New(worker.NewClientURL(srv.URL), store, nil)
	l.SetReconnectDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		snap := store.Snapshot()
		rec := snap.Service("ns1", "api")
		return rec != nil && rec.Status == state.ServiceReconnecting
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on cancellation")
	}
}

func TestRun_ReconnectsAfterStreamBreak(t *testing.T) {
	var sessions atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := sessions.Add(1)
		// First session ends immediately; the second delivers an event.
		if n >= 2 {
			json.NewEncoder(w).Encode(worker.Event{
				Type: worker.EventServiceUp, Service: "api", Namespace: "ns1",
				LocalIP: "127.1.2.3", LocalPort: 8080,
			})
		}
	}))
	defer srv.Close()

	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)
	store.LoadOrInit()
	l := New(worker.NewClientURL(srv.URL), store, nil)
	l.SetReconnectDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool {
		snap := store.Snapshot()
		return snap.Service("ns1", "api") != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, sessions.Load(), int32(2))
}
