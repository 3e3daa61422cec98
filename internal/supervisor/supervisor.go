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

// Package supervisor owns the forwarding worker process end to end:
// spawning, health probing, crash detection, exponential backoff between
// restarts, and graceful termination. No other component touches the
// process handle.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fwdhub/fwdd/internal/log"
	"github.com/fwdhub/fwdd/internal/metrics"
	"github.com/fwdhub/fwdd/internal/retry"
	"github.com/fwdhub/fwdd/internal/state"
	"github.com/fwdhub/fwdd/internal/worker"
)

// ProcessError is a worker process lifecycle failure: spawn failure,
// unexpected exit, or health-probe timeout. These are recovered locally by
// the supervise loop and only become user-visible once the restart budget
// is exhausted.
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("worker process %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Config configures the supervisor.
type Config struct {
	// Command is the worker executable.
	Command string

	// Args are extra arguments placed before the generated flags.
	Args []string

	// APIPort is passed to the worker as --api-port and is where the
	// worker client connects.
	APIPort int

	// BindPrefix is passed as --bind-prefix to isolate the worker's local
	// bind addresses.
	BindPrefix string

	// ProbeAttempts bounds the post-spawn health poll. Default: 30.
	ProbeAttempts int

	// ProbeInterval is the delay between health probes. Default: 100ms.
	ProbeInterval time.Duration

	// StabilityWindow is how long a run must survive before the failure
	// counter and backoff reset. Default: 30s.
	StabilityWindow time.Duration

	// GracePeriod bounds graceful termination before a kill. Default: 10s.
	GracePeriod time.Duration

	// Policy is the restart backoff policy.
	Policy retry.Policy
}

func (c Config) withDefaults() Config {
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 30
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 100 * time.Millisecond
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	return c
}

// process is one live worker process. At most one exists at a time.
type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

// Supervisor owns the worker process lifecycle.
type Supervisor struct {
	cfg    Config
	client *worker.Client
	store  *state.Store
	logger *slog.Logger

	mu   sync.Mutex
	proc *process

	// restartCh wakes the supervise loop out of backoff or the failed
	// state when a manual restart command arrives.
	restartCh chan struct{}

	// onHealthy runs after every successful start, once the worker answers
	// health probes. The daemon uses it to replay enabled profiles.
	onHealthy func(context.Context)
}

// New creates a supervisor. client must point at the worker's API port.
func New(cfg Config, client *worker.Client, store *state.Store, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		client:    client,
		store:     store,
		logger:    log.WithComponent(logger, "supervisor"),
		restartCh: make(chan struct{}, 1),
	}
}

// SetOnHealthy registers the post-start hook. Must be called before
// Supervise.
func (s *Supervisor) SetOnHealthy(fn func(context.Context)) {
	s.onHealthy = fn
}

// Start spawns the worker and polls its health endpoint up to the probe
// budget. It returns nil once the worker answers; on a spent budget it
// terminates the half-started process and returns a ProcessError, leaving
// status failed for the caller to handle.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.spawn(); err != nil {
		s.publishWorker(func(w *state.WorkerState) {
			w.Status = state.WorkerFailed
			w.LastError = err.Error()
		})
		return err
	}

	err := retry.Poll(ctx, s.cfg.ProbeAttempts, s.cfg.ProbeInterval, func(ctx context.Context) error {
		return s.client.Health(ctx)
	})
	if err != nil {
		// The process may be up but deaf; take it down before reporting so
		// the single-process invariant holds across the next attempt.
		s.terminate()
		procErr := &ProcessError{Op: "health probe", Err: err}
		s.publishWorker(func(w *state.WorkerState) {
			w.Status = state.WorkerFailed
			w.LastError = procErr.Error()
		})
		return procErr
	}

	s.logger.Info("worker healthy", slog.Int("pid", s.PID()))
	metrics.SetWorkerUp(true)

	if s.onHealthy != nil {
		s.onHealthy(ctx)
	}
	return nil
}

// spawn starts the worker process. The single-process invariant is
// enforced here: a second spawn while one is alive is an error.
func (s *Supervisor) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return &ProcessError{Op: "spawn", Err: fmt.Errorf("worker already running (pid %d)", s.proc.cmd.Process.Pid)}
	}

	s.publishWorker(func(w *state.WorkerState) {
		w.Status = state.WorkerStarting
		w.PID = 0
		w.StartedAt = nil
	})

	args := append([]string(nil), s.cfg.Args...)
	args = append(args, "--api-port", strconv.Itoa(s.cfg.APIPort))
	if s.cfg.BindPrefix != "" {
		args = append(args, "--bind-prefix", s.cfg.BindPrefix)
	}

	cmd := exec.Command(s.cfg.Command, args...)
	if err := cmd.Start(); err != nil {
		return &ProcessError{Op: "spawn", Err: err}
	}

	p := &process{
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	s.proc = p

	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	now := time.Now()
	s.publishWorker(func(w *state.WorkerState) {
		w.Status = state.WorkerProbing
		w.PID = cmd.Process.Pid
		w.StartedAt = &now
	})

	s.logger.Info("worker spawned",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", s.cfg.Command))
	return nil
}

// Stop gracefully terminates the worker: terminate signal, bounded wait,
// then force kill. Status is always stopped on return.
func (s *Supervisor) Stop() {
	s.publishWorker(func(w *state.WorkerState) {
		w.Status = state.WorkerStopping
	})

	s.terminate()

	s.publishWorker(func(w *state.WorkerState) {
		w.Status = state.WorkerStopped
		w.PID = 0
		w.StartedAt = nil
	})
	metrics.SetWorkerUp(false)
}

// terminate performs the signal/wait/kill sequence. No-op when nothing is
// running.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p == nil {
		return
	}

	select {
	case <-p.exited:
		return
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("terminate signal failed", log.Error(err))
	}

	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		s.logger.Warn("worker ignored terminate signal, killing",
			slog.Int("pid", p.cmd.Process.Pid))
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// Restart resets the failure counter and wakes the supervise loop. It is
// the manual escape hatch out of the failed state and also forces a
// restart of a healthy worker.
func (s *Supervisor) Restart() {
	s.store.Update(func(st *state.DaemonState) {
		st.Worker.ConsecutiveFailures = 0
		st.Worker.CurrentBackoff = 0
		st.Worker.LastError = ""
	})

	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// PID returns the live worker's process id, or zero.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Running reports whether a worker process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return false
	}
	select {
	case <-s.proc.exited:
		return false
	default:
		return true
	}
}

// publishWorker applies a worker-state mutation through the store.
func (s *Supervisor) publishWorker(fn func(*state.WorkerState)) {
	s.store.Update(func(st *state.DaemonState) {
		fn(&st.Worker)
	})
}
