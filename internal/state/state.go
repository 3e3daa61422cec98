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

// Package state holds the daemon's aggregate state behind a serialized
// store interface. All mutation goes through Store.Update; readers only
// ever see committed snapshots.
package state

import (
	"fmt"
	"time"
)

// StateFileVersion is the current version of the persisted state format.
const StateFileVersion = 1

// WorkerStatus is the supervisor-owned status of the forwarding worker.
type WorkerStatus string

const (
	// WorkerStarting means the worker process is being spawned.
	WorkerStarting WorkerStatus = "starting"
	// WorkerProbing means the process is up and health probes are running.
	WorkerProbing WorkerStatus = "probing"
	// WorkerRunning means the worker passed its stability window.
	WorkerRunning WorkerStatus = "running"
	// WorkerReconnecting means the worker exited unexpectedly and a restart
	// is being prepared.
	WorkerReconnecting WorkerStatus = "reconnecting"
	// WorkerBackoff means the supervisor is sleeping before the next start.
	WorkerBackoff WorkerStatus = "backoff"
	// WorkerStopping means graceful termination is in progress.
	WorkerStopping WorkerStatus = "stopping"
	// WorkerStopped means the worker is not running and no restart is due.
	WorkerStopped WorkerStatus = "stopped"
	// WorkerFailed means the restart budget is exhausted. Terminal until an
	// explicit restart command resets the counter.
	WorkerFailed WorkerStatus = "failed"
)

// ServiceStatus is the forwarding status of a single service.
type ServiceStatus string

const (
	// ServiceConnecting means the forward is being established.
	ServiceConnecting ServiceStatus = "connecting"
	// ServiceConnected means traffic is flowing.
	ServiceConnected ServiceStatus = "connected"
	// ServiceReconnecting means the forward dropped and is being retried.
	ServiceReconnecting ServiceStatus = "reconnecting"
	// ServiceFailed means the forward gave up. Only a manual retry leaves
	// this state.
	ServiceFailed ServiceStatus = "failed"
)

// serviceEdges defines the legal ServiceStatus transitions. A transition
// not listed here is a no-op.
var serviceEdges = map[ServiceStatus][]ServiceStatus{
	ServiceConnecting:   {ServiceConnected, ServiceFailed},
	ServiceConnected:    {ServiceReconnecting},
	ServiceReconnecting: {ServiceConnected, ServiceFailed},
	ServiceFailed:       {ServiceConnecting},
}

// ValidServiceTransition reports whether from -> to is a legal edge of the
// service state machine.
func ValidServiceTransition(from, to ServiceStatus) bool {
	for _, next := range serviceEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ServiceKey builds the unique (namespace, name) key for a service record.
func ServiceKey(namespace, name string) string {
	return fmt.Sprintf("%s/%s", namespace, name)
}

// ServiceRecord tracks one forwarded network service.
type ServiceRecord struct {
	Name           string        `json:"name"`
	Namespace      string        `json:"namespace"`
	LocalAddr      string        `json:"local_addr"`
	UpstreamAddr   string        `json:"upstream_addr"`
	Status         ServiceStatus `json:"status"`
	ReconnectCount int           `json:"reconnect_count"`
	LastError      string        `json:"last_error,omitempty"`
	ConnectedAt    *time.Time    `json:"connected_at,omitempty"`
}

// WorkerState is the supervisor's view of the worker process, published
// into the aggregate state for readers.
type WorkerState struct {
	Status WorkerStatus `json:"status"`

	// PID is the process id of the live worker, zero when not running.
	PID int `json:"pid,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`

	// ConsecutiveFailures counts exits since the last stable run.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// CurrentBackoff is the delay that precedes the next start attempt.
	CurrentBackoff time.Duration `json:"current_backoff_ns"`

	LastError string `json:"last_error,omitempty"`
}

// ProfileState tracks per-profile enablement.
type ProfileState struct {
	// Enabled marks the profile for activation at daemon startup.
	Enabled bool `json:"enabled"`

	// Active means the profile's namespaces are currently pushed to the
	// worker.
	Active bool `json:"active"`
}

// Counters are monotonic daemon-lifetime counters.
type Counters struct {
	WorkerRestarts    uint64 `json:"worker_restarts"`
	ServiceReconnects uint64 `json:"service_reconnects"`
}

// DaemonState is the aggregate state of the daemon. It has exactly one
// writer path (Store.Update); no component mutates fields directly.
type DaemonState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// Revision increments on every committed update.
	Revision uint64 `json:"revision"`

	// InstanceID identifies this daemon installation across restarts.
	InstanceID string `json:"instance_id"`

	// StartedAt is when this daemon process started. Volatile; reset on load.
	StartedAt time.Time `json:"started_at"`

	Worker   WorkerState               `json:"worker"`
	Services map[string]*ServiceRecord `json:"services"`
	Profiles map[string]*ProfileState  `json:"profiles"`
	Counters Counters                  `json:"counters"`
}

// Uptime returns how long this daemon process has been running.
func (s *DaemonState) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Service returns the record for (namespace, name), or nil.
func (s *DaemonState) Service(namespace, name string) *ServiceRecord {
	return s.Services[ServiceKey(namespace, name)]
}

// clone returns a deep copy of the state. Snapshots hand out clones so
// readers can never alias the store's mutable maps.
func (s *DaemonState) clone() DaemonState {
	out := *s

	out.Services = make(map[string]*ServiceRecord, len(s.Services))
	for k, v := range s.Services {
		rec := *v
		if v.ConnectedAt != nil {
			ts := *v.ConnectedAt
			rec.ConnectedAt = &ts
		}
		out.Services[k] = &rec
	}

	out.Profiles = make(map[string]*ProfileState, len(s.Profiles))
	for k, v := range s.Profiles {
		ps := *v
		out.Profiles[k] = &ps
	}

	if s.Worker.StartedAt != nil {
		ts := *s.Worker.StartedAt
		out.Worker.StartedAt = &ts
	}

	return out
}

// newDefaultState builds a fresh DaemonState.
func newDefaultState() DaemonState {
	return DaemonState{
		Version:  StateFileVersion,
		Worker:   WorkerState{Status: WorkerStopped},
		Services: make(map[string]*ServiceRecord),
		Profiles: make(map[string]*ProfileState),
	}
}
