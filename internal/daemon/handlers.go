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
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/fwdhub/fwdd/internal/control"
	"github.com/fwdhub/fwdd/internal/journal"
	"github.com/fwdhub/fwdd/internal/state"
	"github.com/fwdhub/fwdd/internal/worker"
)

// registerHandlers installs the control command handlers.
func (d *Daemon) registerHandlers() error {
	handlers := map[string]control.Handler{
		control.CmdStatus:         d.handleStatus,
		control.CmdGetServices:    d.handleGetServices,
		control.CmdGetLogs:        d.handleGetLogs,
		control.CmdStartProfile:   d.profileHandler(d.StartProfile),
		control.CmdStopProfile:    d.profileHandler(d.StopProfile),
		control.CmdRestartProfile: d.handleRestartProfile,
		control.CmdEnableProfile:  d.enableHandler(true),
		control.CmdDisableProfile: d.enableHandler(false),
		control.CmdReloadConfig:   d.handleReloadConfig,
		control.CmdShutdown:       d.handleShutdown,
	}

	for cmd, h := range handlers {
		if err := d.control.Register(cmd, h); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) handleStatus(ctx context.Context, params json.RawMessage) (any, error) {
	return d.store.Snapshot(), nil
}

func (d *Daemon) handleGetServices(ctx context.Context, params json.RawMessage) (any, error) {
	snap := d.store.Snapshot()

	services := make([]state.ServiceRecord, 0, len(snap.Services))
	for _, rec := range snap.Services {
		services = append(services, *rec)
	}
	sort.Slice(services, func(i, k int) bool {
		if services[i].Namespace != services[k].Namespace {
			return services[i].Namespace < services[k].Namespace
		}
		return services[i].Name < services[k].Name
	})
	return services, nil
}

func (d *Daemon) handleGetLogs(ctx context.Context, params json.RawMessage) (any, error) {
	var p control.GetLogsParams
	if body := control.DecodeParams(params, &p); body != nil {
		return nil, body
	}

	entries, err := d.journal.Tail(ctx, p.Lines)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}

// profileHandler adapts a profile operation into a control handler.
func (d *Daemon) profileHandler(op func(context.Context, string) error) control.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p control.ProfileParams
		if body := control.DecodeParams(params, &p); body != nil {
			return nil, body
		}
		if p.Name == "" {
			return nil, &control.ErrorBody{
				Code:    control.CodeInvalidParams,
				Message: "profile name is required",
			}
		}
		if err := op(ctx, p.Name); err != nil {
			return nil, mapProfileError(err)
		}
		return map[string]string{"profile": p.Name}, nil
	}
}

// handleRestartProfile restarts one profile's namespaces, or with no name,
// forces a worker restart (the manual escape out of the failed state).
func (d *Daemon) handleRestartProfile(ctx context.Context, params json.RawMessage) (any, error) {
	var p control.ProfileParams
	if body := control.DecodeParams(params, &p); body != nil {
		return nil, body
	}

	if p.Name == "" {
		d.sup.Restart()
		return map[string]string{"worker": "restarting"}, nil
	}

	if err := d.RestartProfile(ctx, p.Name); err != nil {
		return nil, mapProfileError(err)
	}
	return map[string]string{"profile": p.Name}, nil
}

func (d *Daemon) enableHandler(enabled bool) control.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p control.ProfileParams
		if body := control.DecodeParams(params, &p); body != nil {
			return nil, body
		}
		if p.Name == "" {
			return nil, &control.ErrorBody{
				Code:    control.CodeInvalidParams,
				Message: "profile name is required",
			}
		}
		if err := d.SetProfileEnabled(p.Name, enabled); err != nil {
			return nil, mapProfileError(err)
		}
		return map[string]any{"profile": p.Name, "enabled": enabled}, nil
	}
}

func (d *Daemon) handleReloadConfig(ctx context.Context, params json.RawMessage) (any, error) {
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return map[string]int{"profiles": len(d.snapshotCfg().Profiles)}, nil
}

func (d *Daemon) handleShutdown(ctx context.Context, params json.RawMessage) (any, error) {
	// The response must reach the client before teardown closes the
	// control connections.
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.RequestShutdown()
	}()
	return map[string]string{"daemon": "stopping"}, nil
}

// mapProfileError translates profile operation failures into protocol
// error bodies.
func mapProfileError(err error) error {
	var unknown *errUnknownProfile
	if errors.As(err, &unknown) {
		return &control.ErrorBody{Code: control.CodeUnknownProfile, Message: unknown.Error()}
	}

	var apiErr *worker.APIError
	if errors.As(err, &apiErr) {
		return &control.ErrorBody{Code: control.CodeWorkerUnavailable, Message: apiErr.Error()}
	}

	// Anything else here is a transport-level failure reaching the worker.
	return &control.ErrorBody{Code: control.CodeWorkerUnavailable, Message: err.Error()}
}
