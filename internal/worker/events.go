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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EventType tags an event from the worker event stream.
type EventType string

const (
	// EventServiceUp means a service forward is established.
	EventServiceUp EventType = "service_up"
	// EventServiceDown means a service forward dropped.
	EventServiceDown EventType = "service_down"
	// EventReconnecting means the worker is retrying a service forward.
	EventReconnecting EventType = "reconnecting"
	// EventReconnected means a retried forward recovered.
	EventReconnected EventType = "reconnected"
	// EventError is a worker-level or service-level error report.
	EventError EventType = "error"
	// EventNamespaceAdded means the worker accepted a namespace.
	EventNamespaceAdded EventType = "namespace_added"
	// EventNamespaceRemoved means the worker dropped a namespace.
	EventNamespaceRemoved EventType = "namespace_removed"
)

// Event is one tagged event from the worker stream. Which fields are set
// depends on Type.
type Event struct {
	Type      EventType `json:"type"`
	Service   string    `json:"service,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	LocalIP   string    `json:"local_ip,omitempty"`
	LocalPort int       `json:"local_port,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// EventStream is a live NDJSON subscription to GET /v1/events.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// OpenEvents opens the worker event stream. The stream stays open until
// the worker closes it, an error occurs, or ctx is cancelled; cancellation
// aborts a blocked Next.
func (c *Client) OpenEvents(ctx context.Context) (*EventStream, error) {
	// Streaming reads are unbounded on purpose; ctx is the only limit.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &EventStream{
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

// Next blocks until the next event arrives. It returns io.EOF when the
// worker closes the stream cleanly and the transport error otherwise.
func (s *EventStream) Next() (Event, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return Event{}, fmt.Errorf("malformed event %q: %w", line, err)
		}
		return ev, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Close tears down the subscription.
func (s *EventStream) Close() error {
	return s.body.Close()
}
