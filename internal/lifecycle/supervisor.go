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

package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/keeper/internal/config"
	internallog "github.com/tombee/keeper/internal/log"
)

// Facade is the part of the server the supervisor tears down.
type Facade interface {
	Destroy()
}

// Reaper kills the descendants of a process.
type Reaper interface {
	Reap(ctx context.Context, pid int) (int, error)
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logger }
}

// WithReaper replaces the descendant reaper.
func WithReaper(r Reaper) SupervisorOption {
	return func(s *Supervisor) { s.reaper = r }
}

// WithObserver adds an observer for lifecycle events.
func WithObserver(o Observer) SupervisorOption {
	return func(s *Supervisor) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithRestartHandler sets the function SIGHUP invokes.
func WithRestartHandler(fn func()) SupervisorOption {
	return func(s *Supervisor) { s.onRestart = fn }
}

// WithExit replaces os.Exit.
func WithExit(fn func(int)) SupervisorOption {
	return func(s *Supervisor) { s.exit = fn }
}

// Supervisor owns process shutdown. It reacts to SIGINT and SIGTERM by
// running Cleanup, and to SIGHUP by requesting a restart.
//
// Cleanup runs its destructive steps at most once per process, however many
// signals arrive and however many callers invoke it.
type Supervisor struct {
	role      config.Role
	facade    Facade
	reaper    Reaper
	logger    *slog.Logger
	observers []Observer
	onRestart func()
	exit      func(int)

	latch ShutdownLatch
	done  chan struct{}

	armOnce  sync.Once
	stopOnce sync.Once
	signals  chan os.Signal
	stop     chan struct{}
}

// NewSupervisor creates a supervisor for a process with the given role.
// facade may be nil for processes that own no server.
func NewSupervisor(role config.Role, facade Facade, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		role:   role,
		facade: facade,
		exit:   os.Exit,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = internallog.Discard()
	}
	s.logger = internallog.WithComponent(s.logger, "supervisor")
	if s.reaper == nil {
		s.reaper = NewReaper(s.logger)
	}

	return s
}

// Role returns the process role.
func (s *Supervisor) Role() config.Role {
	return s.role
}

// Arm subscribes to SIGINT, SIGTERM and SIGHUP. Calling it again has no
// effect.
func (s *Supervisor) Arm() {
	s.armOnce.Do(func() {
		s.signals = make(chan os.Signal, 4)
		signal.Notify(s.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		go s.watch()
	})
}

// Release stops signal delivery to the supervisor.
func (s *Supervisor) Release() {
	s.stopOnce.Do(func() {
		if s.signals != nil {
			signal.Stop(s.signals)
		}
		close(s.stop)
	})
}

func (s *Supervisor) watch() {
	for {
		select {
		case <-s.stop:
			return
		case sig := <-s.signals:
			s.handle(sig)
		}
	}
}

func (s *Supervisor) handle(sig os.Signal) {
	s.notify(Event{Event: EventSignal, Signal: sig.String()})

	// Once shutdown started the subscription stays in place and every
	// signal is dropped here. The default fatal action is never restored.
	if s.latch.IsSet() {
		internallog.Trace(s.logger, "signal ignored during shutdown",
			slog.String(internallog.SignalKey, sig.String()))
		return
	}

	if sig == syscall.SIGHUP {
		if s.onRestart == nil {
			s.logger.Warn("restart requested but no restart handler is installed")
			return
		}
		s.logger.Info("restart requested", slog.String(internallog.SignalKey, sig.String()))
		s.onRestart()
		return
	}

	s.logger.Info("received signal, shutting down", slog.String(internallog.SignalKey, sig.String()))
	s.Cleanup()
}

// Cleanup tears the process down and exits with status 0. Only the first
// call has any effect. Done is closed after exit returns, which a real exit
// never does, so the goroutine running Cleanup owns the process exit.
func (s *Supervisor) Cleanup() {
	if !s.teardown() {
		return
	}
	defer close(s.done)
	s.exit(0)
}

// Teardown trips the shutdown latch, destroys the facade when this process
// is the master, and reaps descendants. It reports false when teardown had
// already started elsewhere.
func (s *Supervisor) Teardown() bool {
	if !s.teardown() {
		return false
	}
	close(s.done)
	return true
}

func (s *Supervisor) teardown() bool {
	if !s.latch.Trip() {
		return false
	}

	start := time.Now()
	pid := os.Getpid()
	s.logger.Info("shutting down")
	s.notify(Event{Event: EventShutdown, PID: pid, Role: string(s.role)})

	if s.role == config.RoleMaster && s.facade != nil {
		s.facade.Destroy()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := s.reaper.Reap(ctx, pid)
	if err != nil {
		s.logger.Warn("failed to reap descendants", internallog.Error(err))
	}
	s.notify(Event{Event: EventReaped, PID: pid, Count: n})

	s.logger.Info("teardown complete",
		slog.Int("descendants", n),
		slog.Int64(internallog.DurationKey, time.Since(start).Milliseconds()))

	return true
}

// ShuttingDown reports whether teardown has started.
func (s *Supervisor) ShuttingDown() bool {
	return s.latch.IsSet()
}

// Done is closed once Teardown has finished, or once the exit of Cleanup
// has returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) notify(e Event) {
	for _, o := range s.observers {
		o.Observe(e)
	}
}
