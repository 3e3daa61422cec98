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
	"sort"

	"github.com/fwdhub/fwdd/internal/config"
	"github.com/fwdhub/fwdd/internal/log"
	"github.com/fwdhub/fwdd/internal/state"
	"github.com/fwdhub/fwdd/internal/worker"
)

// errUnknownProfile marks profile lookups that miss; handlers map it to
// the unknown_profile error code.
type errUnknownProfile struct{ name string }

func (e *errUnknownProfile) Error() string {
	return fmt.Sprintf("profile %q is not defined in the configuration", e.name)
}

// initProfiles seeds profile state from the config. Enabled survives
// restarts through the state file; a profile newly marked enabled in the
// config starts enabled.
func (d *Daemon) initProfiles() {
	cfg := d.snapshotCfg()
	d.store.Update(func(st *state.DaemonState) {
		for name, p := range cfg.Profiles {
			ps, ok := st.Profiles[name]
			if !ok {
				ps = &state.ProfileState{Enabled: p.Enabled}
				st.Profiles[name] = ps
			}
			ps.Active = false
		}
		for name := range st.Profiles {
			if _, ok := cfg.Profiles[name]; !ok {
				delete(st.Profiles, name)
			}
		}
	})
}

// syncProfiles reconciles profile state after a config reload. Profiles
// removed from the config are deactivated and dropped; new ones appear
// inactive.
func (d *Daemon) syncProfiles(cfg *config.Config) {
	var removed []string
	d.store.Update(func(st *state.DaemonState) {
		for name, ps := range st.Profiles {
			if _, ok := cfg.Profiles[name]; !ok {
				if ps.Active {
					removed = append(removed, name)
				}
				delete(st.Profiles, name)
			}
		}
		for name, p := range cfg.Profiles {
			if _, ok := st.Profiles[name]; !ok {
				st.Profiles[name] = &state.ProfileState{Enabled: p.Enabled}
			}
		}
	})

	// Namespaces of dropped-while-active profiles are no longer wanted.
	for _, name := range removed {
		d.logger.Info("profile removed from config while active",
			slog.String(log.ProfileKey, name))
	}
	if len(removed) > 0 {
		d.pruneOrphanNamespaces(context.Background())
	}
}

// StartProfile pushes the profile's namespaces to the worker and marks it
// active.
func (d *Daemon) StartProfile(ctx context.Context, name string) error {
	p, ok := d.snapshotCfg().Profiles[name]
	if !ok {
		return &errUnknownProfile{name: name}
	}

	if err := d.pushNamespaces(ctx, name, p); err != nil {
		return err
	}

	d.store.Update(func(st *state.DaemonState) {
		if ps := st.Profiles[name]; ps != nil {
			ps.Active = true
		} else {
			st.Profiles[name] = &state.ProfileState{Active: true}
		}
	})
	d.logger.Info("profile started", slog.String(log.ProfileKey, name))
	return nil
}

// StopProfile removes the profile's namespaces from the worker, except
// those still needed by another active profile, and marks it inactive.
func (d *Daemon) StopProfile(ctx context.Context, name string) error {
	cfg := d.snapshotCfg()
	p, ok := cfg.Profiles[name]
	if !ok {
		return &errUnknownProfile{name: name}
	}

	d.store.Update(func(st *state.DaemonState) {
		if ps := st.Profiles[name]; ps != nil {
			ps.Active = false
		}
	})

	inUse := d.namespacesInUse(cfg)
	for _, ns := range p.Namespaces {
		if inUse[ns] {
			continue
		}
		if err := d.client.RemoveNamespace(ctx, ns); err != nil {
			d.logger.Warn("failed to remove namespace",
				slog.String(log.NamespaceKey, ns), log.Error(err))
		}
	}

	d.logger.Info("profile stopped", slog.String(log.ProfileKey, name))
	return nil
}

// RestartProfile stops then starts the profile's namespaces.
func (d *Daemon) RestartProfile(ctx context.Context, name string) error {
	if err := d.StopProfile(ctx, name); err != nil {
		return err
	}
	return d.StartProfile(ctx, name)
}

// SetProfileEnabled flips the enabled flag. Enabled profiles activate on
// daemon start and worker restart.
func (d *Daemon) SetProfileEnabled(name string, enabled bool) error {
	if _, ok := d.snapshotCfg().Profiles[name]; !ok {
		return &errUnknownProfile{name: name}
	}

	d.store.Update(func(st *state.DaemonState) {
		if ps := st.Profiles[name]; ps != nil {
			ps.Enabled = enabled
		} else {
			st.Profiles[name] = &state.ProfileState{Enabled: enabled}
		}
	})
	d.logger.Info("profile enabled flag changed",
		slog.String(log.ProfileKey, name), slog.Bool("enabled", enabled))
	return nil
}

// replayProfiles runs after every successful worker start. The worker
// boots empty, so the namespaces of enabled and previously active profiles
// are pushed again.
func (d *Daemon) replayProfiles(ctx context.Context) {
	cfg := d.snapshotCfg()
	snap := d.store.Snapshot()

	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		if ps := snap.Profiles[name]; ps != nil && (ps.Enabled || ps.Active) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := d.StartProfile(ctx, name); err != nil {
			d.logger.Warn("profile replay failed",
				slog.String(log.ProfileKey, name), log.Error(err))
		}
	}
}

// pushNamespaces adds each of the profile's namespaces to the worker.
func (d *Daemon) pushNamespaces(ctx context.Context, name string, p config.Profile) error {
	labels := make([]string, 0, len(p.Labels))
	for k, v := range p.Labels {
		labels = append(labels, k+"="+v)
	}
	sort.Strings(labels)

	for _, ns := range p.Namespaces {
		req := worker.NamespaceRequest{
			Namespace: ns,
			Context:   p.Context,
			Labels:    labels,
		}
		if err := d.client.AddNamespace(ctx, req); err != nil {
			return fmt.Errorf("failed to add namespace %s for profile %s: %w", ns, name, err)
		}
	}
	return nil
}

// namespacesInUse returns the set of namespaces any active profile needs.
func (d *Daemon) namespacesInUse(cfg *config.Config) map[string]bool {
	snap := d.store.Snapshot()
	inUse := make(map[string]bool)
	for name, p := range cfg.Profiles {
		if ps := snap.Profiles[name]; ps == nil || !ps.Active {
			continue
		}
		for _, ns := range p.Namespaces {
			inUse[ns] = true
		}
	}
	return inUse
}

// pruneOrphanNamespaces removes worker namespaces no active profile wants.
func (d *Daemon) pruneOrphanNamespaces(ctx context.Context) {
	status, err := d.client.GetStatus(ctx)
	if err != nil {
		d.logger.Debug("namespace prune skipped, worker unreachable", log.Error(err))
		return
	}

	inUse := d.namespacesInUse(d.snapshotCfg())
	for _, ns := range status.Namespaces {
		if inUse[ns] {
			continue
		}
		if err := d.client.RemoveNamespace(ctx, ns); err != nil {
			d.logger.Warn("failed to remove orphan namespace",
				slog.String(log.NamespaceKey, ns), log.Error(err))
		}
	}
}
