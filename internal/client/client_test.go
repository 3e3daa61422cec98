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

package client

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdhub/fwdd/internal/control"
	"github.com/fwdhub/fwdd/internal/state"
)

func startServer(t *testing.T, register func(*control.Server)) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "fwdd.sock")
	srv := control.NewServer(socketPath, nil)
	if register != nil {
		register(srv)
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return socketPath
}

func TestDial_NoDaemon(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "missing.sock"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is fwdd running?")
}

func TestClient_Status(t *testing.T) {
	socketPath := startServer(t, func(srv *control.Server) {
		require.NoError(t, srv.Register(control.CmdStatus, func(ctx context.Context, params json.RawMessage) (any, error) {
			return &state.DaemonState{
				Version: 3,
				Worker:  state.WorkerState{Status: state.WorkerRunning, PID: 1234},
			}, nil
		}))
	})

	c, err := Dial(socketPath)
	require.NoError(t, err)
	defer c.Close()

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.WorkerRunning, st.Worker.Status)
	assert.Equal(t, 1234, st.Worker.PID)
}

func TestClient_ProfileCommandsCarryName(t *testing.T) {
	var got []string
	socketPath := startServer(t, func(srv *control.Server) {
		handler := func(ctx context.Context, params json.RawMessage) (any, error) {
			var p control.ProfileParams
			if body := control.DecodeParams(params, &p); body != nil {
				return nil, body
			}
			got = append(got, p.Name)
			return nil, nil
		}
		require.NoError(t, srv.Register(control.CmdStartProfile, handler))
		require.NoError(t, srv.Register(control.CmdStopProfile, handler))
		require.NoError(t, srv.Register(control.CmdEnableProfile, handler))
	})

	c, err := Dial(socketPath)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.StartProfile(ctx, "staging"))
	require.NoError(t, c.StopProfile(ctx, "staging"))
	require.NoError(t, c.EnableProfile(ctx, "prod"))

	assert.Equal(t, []string{"staging", "staging", "prod"}, got)
}

func TestClient_ErrorBodySurfaces(t *testing.T) {
	socketPath := startServer(t, func(srv *control.Server) {
		require.NoError(t, srv.Register(control.CmdStartProfile, func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, &control.ErrorBody{Code: control.CodeNotFound, Message: "profile not found"}
		}))
	})

	c, err := Dial(socketPath)
	require.NoError(t, err)
	defer c.Close()

	err = c.StartProfile(context.Background(), "ghost")
	require.Error(t, err)

	var body *control.ErrorBody
	require.True(t, errors.As(err, &body))
	assert.Equal(t, control.CodeNotFound, body.Code)
}

func TestClient_SequentialCallsUseFreshIDs(t *testing.T) {
	socketPath := startServer(t, func(srv *control.Server) {
		require.NoError(t, srv.Register(control.CmdGetServices, func(ctx context.Context, params json.RawMessage) (any, error) {
			return []state.ServiceRecord{}, nil
		}))
	})

	c, err := Dial(socketPath)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.GetServices(ctx)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, c.nextID)
}

func TestClient_ContextDeadlineHonored(t *testing.T) {
	socketPath := startServer(t, func(srv *control.Server) {
		require.NoError(t, srv.Register(control.CmdStatus, func(ctx context.Context, params json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	})

	c, err := Dial(socketPath)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Status(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
