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

package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStream_Next(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/events", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"service_up","service":"api","namespace":"ns1","local_ip":"127.1.2.3","local_port":8080}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"type":"service_down","service":"api","namespace":"ns1","reason":"pod deleted"}`)
	}))
	defer srv.Close()

	c := NewClientURL(srv.URL)
	stream, err := c.OpenEvents(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventServiceUp, ev.Type)
	assert.Equal(t, "api", ev.Service)
	assert.Equal(t, 8080, ev.LocalPort)

	// Blank lines are skipped.
	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventServiceDown, ev.Type)
	assert.Equal(t, "pod deleted", ev.Reason)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventStream_MalformedLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{broken`)
	}))
	defer srv.Close()

	c := NewClientURL(srv.URL)
	stream, err := c.OpenEvents(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	assert.Error(t, err)
}

func TestEventStream_CancelAbortsNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClientURL(srv.URL)
	stream, err := c.OpenEvents(ctx)
	require.NoError(t, err)
	defer stream.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock on context cancellation")
	}
}

func TestOpenEvents_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stream", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClientURL(srv.URL)
	_, err := c.OpenEvents(context.Background())
	assert.Error(t, err)
}
