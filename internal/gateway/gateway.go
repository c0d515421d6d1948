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

// Package gateway is keeper's request dispatch chain: request ids and
// logging, metrics, and the admin endpoints.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tombee/keeper/internal/lifecycle"
	internallog "github.com/tombee/keeper/internal/log"
	"golang.org/x/time/rate"
)

// URLPrefixHeader carries the path prefix a reverse proxy mounts keeper
// under.
const URLPrefixHeader = "X-Url-Prefix"

// Restarter requests a restart of the serving process.
type Restarter interface {
	RequestRestart()
}

// Shutdowner tears the process down.
type Shutdowner interface {
	Cleanup()
	ShuttingDown() bool
}

// Metrics is the subset of telemetry the gateway records into.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	StreamOpened()
	StreamClosed()
}

// Options configures a Gateway.
type Options struct {
	Product    string
	Version    string
	InstanceID string
	Role       string
	Locale     string
	Generation int

	// Events feeds /api/events. Restart requests are published to it.
	Events *lifecycle.EventLog

	// Metrics and MetricsHandler are optional.
	Metrics        Metrics
	MetricsHandler http.Handler

	// RestartInterval is the minimum spacing between accepted restart
	// requests. Default: 5s
	RestartInterval time.Duration

	// Heartbeat is the keep-alive interval of event streams. Default: 15s
	Heartbeat time.Duration

	Logger *slog.Logger
}

// Gateway serves the admin API and owns the event streams.
type Gateway struct {
	opts    Options
	logger  *slog.Logger
	started time.Time
	limiter *rate.Limiter
	handler http.Handler

	mu         sync.RWMutex
	restarter  Restarter
	shutdowner Shutdowner
	addr       string

	closeOnce sync.Once
	closing   chan struct{}
	streams   sync.WaitGroup
}

// New creates a gateway. Attach must be called before serving.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = internallog.Discard()
	}
	if opts.Product == "" {
		opts.Product = "keeper"
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = 5 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Events == nil {
		opts.Events = lifecycle.NewEventLog("")
	}

	g := &Gateway{
		opts:    opts,
		logger:  internallog.WithComponent(opts.Logger, "gateway"),
		started: time.Now(),
		limiter: rate.NewLimiter(rate.Every(opts.RestartInterval), 1),
		closing: make(chan struct{}),
	}
	g.handler = g.buildHandler()
	return g
}

// Attach connects the gateway to the server it restarts and the supervisor
// it shuts down, and records the address it is served on.
func (g *Gateway) Attach(restarter Restarter, shutdowner Shutdowner, addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restarter = restarter
	g.shutdowner = shutdowner
	g.addr = addr
}

// Handler returns the full dispatch chain.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("GET /api/events", g.handleEvents)
	mux.HandleFunc("POST /api/restart", g.handleRestart)
	mux.HandleFunc("POST /api/shutdown", g.handleShutdown)
	if g.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", g.opts.MetricsHandler)
	}

	var handler http.Handler = mux
	if g.opts.Metrics != nil {
		handler = g.opts.Metrics.Middleware(handler)
	}
	return internallog.NewHTTPMiddleware(g.logger).Wrap(handler)
}

// Destroy ends every open event stream and waits for the stream handlers
// to return. Later stream requests are refused.
func (g *Gateway) Destroy() {
	g.closeOnce.Do(func() {
		g.logger.Debug("closing event streams")
		g.mu.Lock()
		close(g.closing)
		g.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		g.streams.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		g.logger.Warn("event streams did not close in time")
	}
}

func (g *Gateway) destroyed() bool {
	select {
	case <-g.closing:
		return true
	default:
		return false
	}
}

func (g *Gateway) shuttingDown() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.destroyed() || (g.shutdowner != nil && g.shutdowner.ShuttingDown())
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status is the body of /api/status.
type Status struct {
	Product       string            `json:"product"`
	Version       string            `json:"version"`
	PID           int               `json:"pid"`
	Role          string            `json:"role"`
	InstanceID    string            `json:"instance_id"`
	Generation    int               `json:"generation"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Addr          string            `json:"addr,omitempty"`
	Locale        string            `json:"locale,omitempty"`
	ShuttingDown  bool              `json:"shutting_down"`
	Links         map[string]string `json:"links"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	prefix := urlPrefix(r)

	g.mu.RLock()
	addr := g.addr
	g.mu.RUnlock()

	links := map[string]string{
		"self":     prefix + "/api/status",
		"events":   prefix + "/api/events",
		"restart":  prefix + "/api/restart",
		"shutdown": prefix + "/api/shutdown",
	}
	if g.opts.MetricsHandler != nil {
		links["metrics"] = prefix + "/metrics"
	}

	writeJSON(w, http.StatusOK, Status{
		Product:       g.opts.Product,
		Version:       g.opts.Version,
		PID:           os.Getpid(),
		Role:          g.opts.Role,
		InstanceID:    g.opts.InstanceID,
		Generation:    g.opts.Generation,
		UptimeSeconds: time.Since(g.started).Seconds(),
		Addr:          addr,
		Locale:        g.opts.Locale,
		ShuttingDown:  g.shuttingDown(),
		Links:         links,
	})
}

// urlPrefix returns the proxy mount prefix without a trailing slash. Values
// that are not absolute paths are ignored.
func urlPrefix(r *http.Request) string {
	prefix := strings.TrimRight(r.Header.Get(URLPrefixHeader), "/")
	if !strings.HasPrefix(prefix, "/") || strings.Contains(prefix, "//") {
		return ""
	}
	return prefix
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	g.mu.Lock()
	if g.destroyed() {
		g.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	g.streams.Add(1)
	g.mu.Unlock()
	defer g.streams.Done()
	if g.opts.Metrics != nil {
		g.opts.Metrics.StreamOpened()
		defer g.opts.Metrics.StreamClosed()
	}

	events, cancel := g.opts.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if r.URL.Query().Get("replay") == "1" {
		for _, e := range g.opts.Events.Recent() {
			writeEvent(w, e)
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(g.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.closing:
			fmt.Fprint(w, "event: close\ndata: {}\n\n")
			flusher.Flush()
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"time\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e lifecycle.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "event: lifecycle\ndata: %s\n\n", data)
}

func (g *Gateway) handleRestart(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	restarter := g.restarter
	g.mu.RUnlock()

	if restarter == nil {
		writeError(w, http.StatusServiceUnavailable, "restart is not available")
		return
	}
	if g.shuttingDown() {
		writeError(w, http.StatusConflict, "shutdown in progress")
		return
	}
	if !g.limiter.Allow() {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", g.opts.RestartInterval.Seconds()))
		writeError(w, http.StatusTooManyRequests, "restart requested too recently")
		return
	}

	g.logger.Info("restart requested over the admin API",
		slog.String("request_id", internallog.RequestID(r.Context())))
	g.opts.Events.Publish(lifecycle.Event{
		Event:   lifecycle.EventRestartRequested,
		PID:     os.Getpid(),
		Message: "admin API",
	})

	restarter.RequestRestart()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (g *Gateway) handleShutdown(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	shutdowner := g.shutdowner
	g.mu.RUnlock()

	if shutdowner == nil {
		writeError(w, http.StatusServiceUnavailable, "shutdown is not available")
		return
	}

	g.logger.Info("shutdown requested over the admin API",
		slog.String("request_id", internallog.RequestID(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})

	// Cleanup does not return in a real process; reply first.
	go shutdowner.Cleanup()
}
