// Copyright 2025 Tom Barlow
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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/keeper/internal/gateway"
)

// Client is a client for the keeperd admin API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	addr       string

	userAgent string
	attempts  int
	backoff   time.Duration
	logger    *slog.Logger
}

// DefaultUserAgent is sent when WithUserAgent is not used.
const DefaultUserAgent = "keeperd-cli"

// New creates a new client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:   "http://localhost", // host is ignored by the dialer
		userAgent: DefaultUserAgent,
		attempts:  3,
		backoff:   100 * time.Millisecond,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		return nil, errors.New("client: no transport configured")
	}

	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var rt http.RoundTripper = &headerTransport{base: base, userAgent: c.userAgent, logger: c.logger}
	if c.attempts > 1 {
		rt = &retryTransport{base: rt, maxAttempts: c.attempts, baseBackoff: c.backoff, maxBackoff: time.Second}
	}
	c.httpClient = &http.Client{Transport: rt, Timeout: c.httpClient.Timeout}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithTransport routes requests through transport.
func WithTransport(transport *Transport) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Transport: transport}
		c.baseURL = transport.Scheme() + "://localhost"
		c.addr = transport.SocketPath
		if c.addr == "" {
			c.addr = transport.TCPAddr
			c.baseURL = transport.Scheme() + "://" + transport.TCPAddr
		}
		return nil
	}
}

// WithBaseURL overrides the request URL prefix.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		c.baseURL = baseURL
		c.addr = baseURL
		return nil
	}
}

// WithUserAgent sets the User-Agent header of every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithRetry sets how many times an idempotent request is attempted while the
// socket refuses connections. attempts <= 1 disables retries.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) error {
		if attempts > 1 && backoff <= 0 {
			return fmt.Errorf("retry backoff must be > 0, got %v", backoff)
		}
		c.attempts = attempts
		c.backoff = backoff
		return nil
	}
}

// WithLogger sets the logger for request tracing at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// APIError is a non-2xx response from keeperd.
type APIError struct {
	StatusCode int
	Message    string

	// RetryAfter is set on rate-limited restart requests.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("keeperd returned error %d: %s", e.StatusCode, e.Message)
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health returns the readiness of keeperd. A stopping instance yields an
// *APIError with status 503.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Status returns the /api/status document.
func (c *Client) Status(ctx context.Context) (*gateway.Status, error) {
	var status gateway.Status
	if err := c.do(ctx, http.MethodGet, "/api/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Restart asks keeperd to replace its process image.
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/restart", nil)
}

// Shutdown asks keeperd to shut down.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/shutdown", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if IsNotRunning(err) {
			return &NotRunningError{Addr: c.addr, Err: err}
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
