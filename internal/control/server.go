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

package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fwdhub/fwdd/internal/log"
	"github.com/fwdhub/fwdd/internal/metrics"
)

// DefaultRequestTimeout bounds a single command handler.
const DefaultRequestTimeout = 30 * time.Second

// maxLineSize bounds one request line.
const maxLineSize = 1024 * 1024

// Handler executes one control command. The returned value is marshalled
// as the result; a returned *ErrorBody is sent as-is, any other error maps
// to the internal code.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server accepts control connections on a Unix socket and dispatches
// commands to registered handlers. Requests on one connection are handled
// sequentially in arrival order.
type Server struct {
	socketPath     string
	logger         *slog.Logger
	requestTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	ln net.Listener
	wg sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer creates a control server for the given socket path.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:     socketPath,
		logger:         log.WithComponent(logger, "control"),
		requestTimeout: DefaultRequestTimeout,
		handlers:       make(map[string]Handler),
		conns:          make(map[net.Conn]struct{}),
	}
}

// Register installs the handler for a command. Commands outside the
// protocol's set are rejected.
func (s *Server) Register(command string, h Handler) error {
	if !KnownCommand(command) {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
	return nil
}

// Listen creates the Unix socket. The socket directory is owner-only and
// the socket itself is chmod 0600 so only the owning user can connect.
func (s *Server) Listen() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove stale socket left by a previous run.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on Unix socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.ln = ln
	s.logger.Info("control socket listening", slog.String("path", s.socketPath))
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("control: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.connMu.Lock()
				delete(s.conns, conn)
				s.connMu.Unlock()
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

// closeConns tears down every active connection so in-flight reads
// unblock during shutdown.
func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close shuts the listener down and removes the socket file.
func (s *Server) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.closeConns()
	s.wg.Wait()
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// handleConn reads request lines and answers each one. Malformed input is
// answered with an error response; the connection stays open until the
// client hangs up.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Debug("malformed control request", log.Error(err))
			if werr := enc.Encode(NewError(0, CodeInvalidRequest, err.Error())); werr != nil {
				return
			}
			continue
		}

		resp := s.dispatch(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("control response write failed", log.Error(err))
			return
		}

		if ctx.Err() != nil {
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("control connection read failed", log.Error(err))
	}
}

// dispatch routes one request to its handler and builds the response.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if !KnownCommand(req.Command) {
		metrics.RecordControlRequest(req.Command, "error")
		return NewError(req.ID, CodeUnknownCommand,
			fmt.Sprintf("unknown command %q", req.Command))
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		metrics.RecordControlRequest(req.Command, "error")
		return NewError(req.ID, CodeInternal,
			fmt.Sprintf("no handler for command %q", req.Command))
	}

	cmdCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	s.logger.Debug("handling control request",
		slog.Uint64("request_id", req.ID),
		slog.String(log.CommandKey, req.Command))

	result, err := h(cmdCtx, req.Params)
	if err != nil {
		metrics.RecordControlRequest(req.Command, "error")
		var body *ErrorBody
		if errors.As(err, &body) {
			return &Response{ID: req.ID, OK: false, Error: body}
		}
		return NewError(req.ID, CodeInternal, err.Error())
	}

	resp, err := NewResult(req.ID, result)
	if err != nil {
		metrics.RecordControlRequest(req.Command, "error")
		return NewError(req.ID, CodeInternal, err.Error())
	}
	metrics.RecordControlRequest(req.Command, "ok")
	return resp
}
