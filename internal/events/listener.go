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

// Package events maintains the subscription to the worker's event stream
// and folds each event into the state store.
package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/fwdhub/fwdd/internal/log"
	"github.com/fwdhub/fwdd/internal/metrics"
	"github.com/fwdhub/fwdd/internal/state"
	"github.com/fwdhub/fwdd/internal/worker"
)

// DefaultReconnectDelay is the fixed delay before reopening a broken
// stream. Stream reconnects are independent of the supervisor's
// process-level backoff.
const DefaultReconnectDelay = time.Second

// Listener keeps the worker event subscription open and translates events
// into ServiceRecord transitions.
type Listener struct {
	client         *worker.Client
	store          *state.Store
	logger         *slog.Logger
	reconnectDelay time.Duration
}

// New creates a listener reading from client and writing into store.
func New(client *worker.Client, store *state.Store, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		client:         client,
		store:          store,
		logger:         log.WithComponent(logger, "events"),
		reconnectDelay: DefaultReconnectDelay,
	}
}

// SetReconnectDelay overrides the stream reconnect delay. Tests use this
// to keep reconnect churn fast.
func (l *Listener) SetReconnectDelay(d time.Duration) {
	l.reconnectDelay = d
}

// Run opens the stream and consumes events until ctx is cancelled. A
// broken stream (including a worker that is not up yet) is reopened after
// the reconnect delay.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.consume(ctx); err != nil && ctx.Err() == nil {
			l.logger.Debug("event stream closed, reconnecting",
				log.Error(err),
				slog.Duration("delay", l.reconnectDelay))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

// consume reads one stream session to completion.
func (l *Listener) consume(ctx context.Context) error {
	stream, err := l.client.OpenEvents(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	l.logger.Info("event stream connected")

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		l.Apply(ev)
	}
}

// Apply folds one event into the state store. Transitions not allowed by
// the service state machine are no-ops.
func (l *Listener) Apply(ev worker.Event) {
	metrics.RecordEvent(string(ev.Type))

	switch ev.Type {
	case worker.EventServiceUp:
		l.serviceUp(ev)
	case worker.EventServiceDown:
		l.serviceDown(ev)
	case worker.EventReconnecting:
		l.serviceReconnecting(ev)
	case worker.EventReconnected:
		l.serviceReconnected(ev)
	case worker.EventError:
		l.serviceError(ev)
	case worker.EventNamespaceAdded:
		l.logger.Info("namespace added", slog.String(log.NamespaceKey, ev.Namespace))
	case worker.EventNamespaceRemoved:
		l.namespaceRemoved(ev)
	default:
		l.logger.Warn("unknown event type ignored", slog.String("type", string(ev.Type)))
	}
}

func (l *Listener) serviceUp(ev worker.Event) {
	l.store.Update(func(st *state.DaemonState) {
		rec := ensureRecord(st, ev.Namespace, ev.Service)
		if !transition(rec, state.ServiceConnected) {
			return
		}
		rec.LocalAddr = localAddr(ev)
		rec.LastError = ""
		now := time.Now()
		rec.ConnectedAt = &now
		publishServiceGauges(st)
	})
	l.logger.Info("service up",
		slog.String(log.NamespaceKey, ev.Namespace),
		slog.String(log.ServiceKey, ev.Service),
		slog.String("local_addr", localAddr(ev)))
}

func (l *Listener) serviceDown(ev worker.Event) {
	l.store.Update(func(st *state.DaemonState) {
		rec := st.Service(ev.Namespace, ev.Service)
		if rec == nil {
			return
		}
		// A second drop while already reconnecting means the retry did not
		// recover; the record fails until a manual retry.
		target := state.ServiceReconnecting
		if rec.Status == state.ServiceReconnecting {
			target = state.ServiceFailed
		}
		if !transition(rec, target) {
			return
		}
		rec.LastError = ev.Reason
		rec.ConnectedAt = nil
		publishServiceGauges(st)
	})
	l.logger.Warn("service down",
		slog.String(log.NamespaceKey, ev.Namespace),
		slog.String(log.ServiceKey, ev.Service),
		slog.String("reason", ev.Reason))
}

func (l *Listener) serviceReconnecting(ev worker.Event) {
	l.store.Update(func(st *state.DaemonState) {
		rec := st.Service(ev.Namespace, ev.Service)
		if rec == nil {
			return
		}
		transition(rec, state.ServiceReconnecting)
		publishServiceGauges(st)
	})
	l.logger.Info("service reconnecting",
		slog.String(log.NamespaceKey, ev.Namespace),
		slog.String(log.ServiceKey, ev.Service),
		slog.Int("attempt", ev.Attempt))
}

func (l *Listener) serviceReconnected(ev worker.Event) {
	var recovered bool
	l.store.Update(func(st *state.DaemonState) {
		rec := st.Service(ev.Namespace, ev.Service)
		if rec == nil {
			return
		}
		if !transition(rec, state.ServiceConnected) {
			return
		}
		rec.ReconnectCount++
		rec.LastError = ""
		now := time.Now()
		rec.ConnectedAt = &now
		st.Counters.ServiceReconnects++
		recovered = true
		publishServiceGauges(st)
	})
	if recovered {
		metrics.RecordServiceReconnect()
		l.logger.Info("service reconnected",
			slog.String(log.NamespaceKey, ev.Namespace),
			slog.String(log.ServiceKey, ev.Service))
	}
}

func (l *Listener) serviceError(ev worker.Event) {
	if ev.Service == "" {
		// Worker-level error with no service attached.
		l.logger.Error("worker error", slog.String("message", ev.Message))
		return
	}

	l.store.Update(func(st *state.DaemonState) {
		rec := st.Service(ev.Namespace, ev.Service)
		if rec == nil {
			return
		}
		if transition(rec, state.ServiceFailed) {
			rec.LastError = ev.Message
			publishServiceGauges(st)
		}
	})
	l.logger.Error("service error",
		slog.String(log.NamespaceKey, ev.Namespace),
		slog.String(log.ServiceKey, ev.Service),
		slog.String("message", ev.Message))
}

func (l *Listener) namespaceRemoved(ev worker.Event) {
	l.store.Update(func(st *state.DaemonState) {
		for key, rec := range st.Services {
			if rec.Namespace == ev.Namespace {
				delete(st.Services, key)
			}
		}
		publishServiceGauges(st)
	})
	l.logger.Info("namespace removed", slog.String(log.NamespaceKey, ev.Namespace))
}

// ensureRecord returns the existing record or creates one in Connecting.
func ensureRecord(st *state.DaemonState, namespace, name string) *state.ServiceRecord {
	key := state.ServiceKey(namespace, name)
	if rec, ok := st.Services[key]; ok {
		return rec
	}
	rec := &state.ServiceRecord{
		Name:      name,
		Namespace: namespace,
		Status:    state.ServiceConnecting,
	}
	st.Services[key] = rec
	return rec
}

// transition applies a guarded status change and reports whether it took
// effect.
func transition(rec *state.ServiceRecord, to state.ServiceStatus) bool {
	if !state.ValidServiceTransition(rec.Status, to) {
		return false
	}
	rec.Status = to
	return true
}

// publishServiceGauges recomputes per-status service counts. Called inside
// an Update so the gauge matches the committed state.
func publishServiceGauges(st *state.DaemonState) {
	counts := map[state.ServiceStatus]int{
		state.ServiceConnecting:   0,
		state.ServiceConnected:    0,
		state.ServiceReconnecting: 0,
		state.ServiceFailed:       0,
	}
	for _, rec := range st.Services {
		counts[rec.Status]++
	}
	for status, count := range counts {
		metrics.SetServicesByStatus(string(status), count)
	}
}

func localAddr(ev worker.Event) string {
	if ev.LocalIP == "" {
		return ""
	}
	return net.JoinHostPort(ev.LocalIP, strconv.Itoa(ev.LocalPort))
}
