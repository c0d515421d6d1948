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

// Package watch requests a restart when the configuration file changes.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	internallog "github.com/tombee/keeper/internal/log"
)

// Restarter is notified when the watched file changed.
type Restarter interface {
	RequestRestart()
}

// Config configures a ConfigWatcher.
type Config struct {
	// Path is the configuration file to watch.
	Path string

	Restarter Restarter

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// DebounceDelay groups bursts of writes into one restart. Default: 250ms
	DebounceDelay time.Duration
}

// ConfigWatcher watches one file. The parent directory is watched so that
// editors which replace the file by rename are noticed.
type ConfigWatcher struct {
	fsWatcher *fsnotify.Watcher
	restarter Restarter
	logger    *slog.Logger
	path      string
	delay     time.Duration

	mu      sync.Mutex
	pending *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts watching cfg.Path.
func New(cfg Config) (*ConfigWatcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.Restarter == nil {
		return nil, fmt.Errorf("restarter is required")
	}

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = internallog.Discard()
	}
	delay := cfg.DebounceDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &ConfigWatcher{
		fsWatcher: fsWatcher,
		restarter: cfg.Restarter,
		logger:    internallog.WithComponent(logger, "watch"),
		path:      path,
		delay:     delay,
		ctx:       ctx,
		cancel:    cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Debug("watching configuration file", slog.String("path", path))
	return w, nil
}

// Path returns the absolute path being watched.
func (w *ConfigWatcher) Path() string {
	return w.path
}

func (w *ConfigWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", internallog.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *ConfigWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.delay, w.trigger)
}

func (w *ConfigWatcher) trigger() {
	w.mu.Lock()
	w.pending = nil
	closed := w.ctx.Err() != nil
	w.mu.Unlock()
	if closed {
		return
	}

	w.logger.Info("configuration file changed, requesting restart", slog.String("path", w.path))
	w.restarter.RequestRestart()
}

// Close stops watching. Pending restarts are cancelled.
func (w *ConfigWatcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
