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
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/keeper/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(WithHTTPClient(server.Client()), WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestClientHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))

	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Expected status 'ok', got %s", health.Status)
	}
}

func TestClientHealth_Stopping(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
	}))

	_, err := c.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", apiErr.StatusCode)
	}
}

func TestClientStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"product":     "keeper",
			"pid":         42,
			"role":        "master",
			"instance_id": "abc",
			"generation":  3,
		})
	}))

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.PID != 42 || status.Role != "master" || status.Generation != 3 {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestClientRestart_RateLimited(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/restart" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Retry-After", "5")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "restart requested too recently"})
	}))

	err := c.Restart(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.Message != "restart requested too recently" {
		t.Errorf("Unexpected message: %q", apiErr.Message)
	}
	if apiErr.RetryAfter != 5*time.Second {
		t.Errorf("Expected RetryAfter 5s, got %s", apiErr.RetryAfter)
	}
}

func TestClientShutdown(t *testing.T) {
	var called bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = r.Method == http.MethodPost && r.URL.Path == "/api/shutdown"
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
	}))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !called {
		t.Error("Expected POST /api/shutdown")
	}
}

func TestUnixTransport(t *testing.T) {
	dir, err := os.MkdirTemp("", "keeper-client")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "k.sock")

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})}
	go server.Serve(ln)
	t.Cleanup(func() { server.Close() })

	c, err := New(WithTransport(NewUnixTransport(socketPath)))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Expected status 'ok', got %s", health.Status)
	}
}

func TestNotRunning(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "missing.sock")
	c, err := New(WithTransport(NewUnixTransport(socketPath)))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = c.Status(context.Background())
	if !IsNotRunning(err) {
		t.Fatalf("Expected IsNotRunning, got %v", err)
	}
	var nr *NotRunningError
	if !errors.As(err, &nr) || nr.Addr != socketPath {
		t.Errorf("Expected NotRunningError for %s, got %v", socketPath, err)
	}
}

func TestNew_RequiresTransport(t *testing.T) {
	if _, err := New(); err == nil {
		t.Error("Expected error without a transport")
	}
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		wantSock string
		wantTCP  string
		wantTLS  bool
		wantErr  bool
	}{
		{name: "unix", host: "unix:///tmp/keeper.sock", wantSock: "/tmp/keeper.sock"},
		{name: "tcp", host: "tcp://localhost:8000", wantTCP: "localhost:8000"},
		{name: "https", host: "https://example.com:443", wantTCP: "example.com:443", wantTLS: true},
		{name: "invalid", host: "http://localhost:8000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := ParseHost(tt.host)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if transport.SocketPath != tt.wantSock {
				t.Errorf("SocketPath = %q, want %q", transport.SocketPath, tt.wantSock)
			}
			if transport.TCPAddr != tt.wantTCP {
				t.Errorf("TCPAddr = %q, want %q", transport.TCPAddr, tt.wantTCP)
			}
			if (transport.TLSConfig != nil) != tt.wantTLS {
				t.Errorf("TLS = %v, want %v", transport.TLSConfig != nil, tt.wantTLS)
			}
		})
	}
}

func TestTransportFor(t *testing.T) {
	tests := []struct {
		name     string
		bind     config.BindConfig
		ssl      bool
		wantSock string
		wantTCP  string
		wantErr  bool
	}{
		{name: "path", bind: config.BindConfig{Path: "/run/k.sock"}, wantSock: "/run/k.sock"},
		{name: "host path", bind: config.BindConfig{Host: "/run/k.sock"}, wantSock: "/run/k.sock"},
		{name: "inet", bind: config.BindConfig{Host: "127.0.0.1", Port: 8000}, wantTCP: "127.0.0.1:8000"},
		{name: "unspecified", bind: config.BindConfig{Host: "0.0.0.0", Port: 8000}, wantTCP: "localhost:8000"},
		{name: "ipv6", bind: config.BindConfig{Host: "::1", Port: 8000}, wantTCP: "[::1]:8000"},
		{name: "socket endpoint", bind: config.BindConfig{Socket: "127.0.0.1:9000"}, wantTCP: "127.0.0.1:9000"},
		{name: "tls", bind: config.BindConfig{Host: "127.0.0.1", Port: 8443}, ssl: true, wantTCP: "127.0.0.1:8443"},
		{name: "ephemeral", bind: config.BindConfig{Host: "127.0.0.1"}, wantErr: true},
		{name: "empty", bind: config.BindConfig{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Bind: tt.bind}
			cfg.SSL.Enable = tt.ssl

			transport, err := TransportFor(cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if transport.SocketPath != tt.wantSock || transport.TCPAddr != tt.wantTCP {
				t.Errorf("Got socket %q tcp %q", transport.SocketPath, transport.TCPAddr)
			}
			if (transport.Scheme() == "https") != tt.ssl {
				t.Errorf("Scheme = %s", transport.Scheme())
			}
		})
	}
}

func TestFromConfig_HostOverride(t *testing.T) {
	t.Setenv(HostEnv, "tcp://127.0.0.1:9999")
	c, err := FromConfig(&config.Config{Bind: config.BindConfig{Path: "/run/k.sock"}})
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if c.baseURL != "http://127.0.0.1:9999" {
		t.Errorf("baseURL = %s", c.baseURL)
	}
}
