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

package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/fwdhub/fwdd/internal/log"
	"github.com/fwdhub/fwdd/internal/metrics"
	"github.com/fwdhub/fwdd/internal/state"
)

// Supervise runs the restart loop until ctx is cancelled: start the
// worker, watch for exit, back off, start again. Cancellation always wins
// races and triggers a bounded graceful stop before returning.
//
// Crash-and-restart is the normal path and never escapes this loop. Only
// an exhausted restart budget parks the worker in the failed state, where
// it waits for a manual restart command.
func (s *Supervisor) Supervise(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.Stop()
			return
		}

		if err := s.Start(ctx); err != nil {
			if ctx.Err() != nil {
				s.Stop()
				return
			}
			s.logger.Warn("worker start failed", log.Error(err))
			if !s.backoffOrPark(ctx, err.Error()) {
				s.Stop()
				return
			}
			continue
		}

		if !s.watch(ctx) {
			return
		}
	}
}

// watch observes one worker run. It returns true when the loop should
// start another run and false on cancellation.
func (s *Supervisor) watch(ctx context.Context) bool {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return true
	}

	stable := time.NewTimer(s.cfg.StabilityWindow)
	defer stable.Stop()
	stableC := stable.C

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return false

		case <-stableC:
			// The run survived the stability window: the streak is over.
			stableC = nil
			s.publishWorker(func(w *state.WorkerState) {
				w.Status = state.WorkerRunning
				w.ConsecutiveFailures = 0
				w.CurrentBackoff = 0
				w.LastError = ""
			})
			s.logger.Info("worker stable",
				slog.Duration("stability_window", s.cfg.StabilityWindow))

		case <-s.restartCh:
			s.logger.Info("manual restart requested")
			s.terminate()
			metrics.SetWorkerUp(false)
			metrics.RecordWorkerRestart()
			s.store.Update(func(st *state.DaemonState) {
				st.Worker.Status = state.WorkerReconnecting
				st.Counters.WorkerRestarts++
			})
			return true

		case <-p.exited:
			s.mu.Lock()
			s.proc = nil
			s.mu.Unlock()
			metrics.SetWorkerUp(false)

			exitMsg := "worker exited"
			if p.exitErr != nil {
				exitMsg = p.exitErr.Error()
			}
			s.logger.Warn("worker exited unexpectedly", slog.String("exit", exitMsg))

			metrics.RecordWorkerRestart()
			s.store.Update(func(st *state.DaemonState) {
				st.Counters.WorkerRestarts++
			})

			if !s.backoffOrPark(ctx, exitMsg) {
				s.Stop()
				return false
			}
			return true
		}
	}
}

// backoffOrPark records one failure and either sleeps the computed backoff
// (normal path) or, with the budget exhausted, parks in the failed state
// until a manual restart. It returns false when ctx was cancelled.
func (s *Supervisor) backoffOrPark(ctx context.Context, cause string) bool {
	var failures int
	var delay time.Duration

	s.store.Update(func(st *state.DaemonState) {
		st.Worker.Status = state.WorkerReconnecting
		st.Worker.ConsecutiveFailures++
		st.Worker.LastError = cause
		st.Worker.PID = 0
		st.Worker.StartedAt = nil

		failures = st.Worker.ConsecutiveFailures
		if s.cfg.Policy.Exhausted(failures) {
			st.Worker.Status = state.WorkerFailed
			return
		}

		delay = s.cfg.Policy.Next(st.Worker.CurrentBackoff)
		st.Worker.Status = state.WorkerBackoff
		st.Worker.CurrentBackoff = delay
	})

	if s.cfg.Policy.Exhausted(failures) {
		s.logger.Error("worker restart budget exhausted",
			slog.Int("failures", failures),
			slog.Int("max_attempts", s.cfg.Policy.MaxAttempts))
		return s.waitParked(ctx)
	}

	s.logger.Info("worker restart scheduled",
		slog.Duration("backoff", delay),
		slog.Int("failures", failures))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.restartCh:
		// Manual restart skips the remaining sleep.
		return true
	case <-timer.C:
		return true
	}
}

// waitParked blocks in the failed state until a restart command or
// cancellation. Restart has already reset the failure counter.
func (s *Supervisor) waitParked(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.restartCh:
		s.logger.Info("restart command received, leaving failed state")
		return true
	}
}
