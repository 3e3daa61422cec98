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

// Package worker provides the client for the forwarding worker's control
// API and event stream. The worker itself is an opaque child process; this
// package never spawns or signals it.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultRequestTimeout bounds every non-streaming API call so a hung
// worker cannot stall its callers.
const DefaultRequestTimeout = 5 * time.Second

// APIError is an error response from the worker control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker api: %s (status %d)", e.Message, e.StatusCode)
}

// Status is the worker's self-reported status.
type Status struct {
	Running        bool     `json:"running"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	Namespaces     []string `json:"namespaces"`
	ServicesCount  int      `json:"services_count"`
	ReconnectCount int      `json:"reconnect_count"`
}

// Service is one forwarded service as reported by the worker.
type Service struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	LocalIP     string `json:"local_ip"`
	LocalPort   int    `json:"local_port"`
	ClusterIP   string `json:"cluster_ip"`
	ClusterPort int    `json:"cluster_port"`
	Status      string `json:"status"`
}

// NamespaceRequest asks the worker to begin forwarding a namespace.
type NamespaceRequest struct {
	Namespace string   `json:"namespace"`
	Context   string   `json:"context,omitempty"`
	Labels    []string `json:"labels,omitempty"`
}

// Client is a client for the worker control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a client for the worker listening on apiPort.
func NewClient(apiPort int, opts ...Option) *Client {
	c := &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", apiPort),
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// NewClientURL creates a client for an explicit base URL. Used by tests to
// point at an httptest server.
func NewClientURL(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// BaseURL returns the worker API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes GET /v1/health. A nil return means the worker is live.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if !body.OK {
		return &APIError{StatusCode: resp.StatusCode, Message: "worker reports unhealthy"}
	}
	return nil
}

// GetStatus fetches GET /v1/status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &status, nil
}

// AddNamespace posts a namespace for the worker to forward.
func (c *Client) AddNamespace(ctx context.Context, req NamespaceRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/namespaces", req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// RemoveNamespace removes a namespace from the worker.
func (c *Client) RemoveNamespace(ctx context.Context, namespace string) error {
	path := "/v1/namespaces/" + url.PathEscape(namespace)
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetServices fetches GET /v1/services.
func (c *Client) GetServices(ctx context.Context) ([]Service, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/services", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var services []Service
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		return nil, fmt.Errorf("decode services response: %w", err)
	}
	return services, nil
}

// do issues a bounded request and converts non-2xx responses to APIError.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	// cancel is tied to the response body below; callers close the body.

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		cancel()
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()
		cancel()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// readErrorMessage extracts {"error": "..."} from an error body, if present.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return ""
}

// cancelReadCloser releases the request context when the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
