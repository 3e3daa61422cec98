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

// Package client implements the control-socket client used by fwdctl.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fwdhub/fwdd/internal/control"
	"github.com/fwdhub/fwdd/internal/journal"
	"github.com/fwdhub/fwdd/internal/state"
)

// DefaultCallTimeout bounds one request/response exchange when the caller's
// context carries no deadline.
const DefaultCallTimeout = 10 * time.Second

// Client is a connection to the daemon's control socket. It is safe for
// concurrent use; calls are serialized on the single connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
	nextID  uint64
}

// Dial connects to the daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s (is fwdd running?): %w", socketPath, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &Client{
		conn:    conn,
		scanner: scanner,
		enc:     json.NewEncoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one command and decodes the result into result (which may be
// nil). A failed response is returned as a *control.ErrorBody.
func (c *Client) Call(ctx context.Context, command string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := control.Request{ID: c.nextID, Command: command}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCallTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := c.enc.Encode(&req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	// The daemon answers in order, but match by correlation ID rather than
	// trusting ordering.
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			return fmt.Errorf("connection closed by daemon")
		}
		if len(c.scanner.Bytes()) == 0 {
			continue
		}

		var resp control.Response
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if resp.ID != req.ID {
			continue
		}

		if !resp.OK {
			if resp.Error != nil {
				return resp.Error
			}
			return fmt.Errorf("command %s failed without error detail", command)
		}

		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode result: %w", err)
			}
		}
		return nil
	}
}

// Status returns the daemon's full state snapshot.
func (c *Client) Status(ctx context.Context) (*state.DaemonState, error) {
	var st state.DaemonState
	if err := c.Call(ctx, control.CmdStatus, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetServices returns the tracked forwarded services.
func (c *Client) GetServices(ctx context.Context) ([]state.ServiceRecord, error) {
	var services []state.ServiceRecord
	if err := c.Call(ctx, control.CmdGetServices, nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// GetLogs returns up to lines recent journal entries.
func (c *Client) GetLogs(ctx context.Context, lines int) ([]journal.Entry, error) {
	var entries []journal.Entry
	params := control.GetLogsParams{Lines: lines}
	if err := c.Call(ctx, control.CmdGetLogs, params, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// StartProfile activates a profile's namespaces on the worker.
func (c *Client) StartProfile(ctx context.Context, name string) error {
	return c.Call(ctx, control.CmdStartProfile, control.ProfileParams{Name: name}, nil)
}

// StopProfile deactivates a profile's namespaces.
func (c *Client) StopProfile(ctx context.Context, name string) error {
	return c.Call(ctx, control.CmdStopProfile, control.ProfileParams{Name: name}, nil)
}

// RestartProfile stops and starts a profile's namespaces.
func (c *Client) RestartProfile(ctx context.Context, name string) error {
	return c.Call(ctx, control.CmdRestartProfile, control.ProfileParams{Name: name}, nil)
}

// EnableProfile marks a profile enabled so it activates on daemon start.
func (c *Client) EnableProfile(ctx context.Context, name string) error {
	return c.Call(ctx, control.CmdEnableProfile, control.ProfileParams{Name: name}, nil)
}

// DisableProfile marks a profile disabled.
func (c *Client) DisableProfile(ctx context.Context, name string) error {
	return c.Call(ctx, control.CmdDisableProfile, control.ProfileParams{Name: name}, nil)
}

// ReloadConfig asks the daemon to reload its configuration file.
func (c *Client) ReloadConfig(ctx context.Context) error {
	return c.Call(ctx, control.CmdReloadConfig, nil, nil)
}

// Shutdown asks the daemon to exit gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, control.CmdShutdown, nil, nil)
}
