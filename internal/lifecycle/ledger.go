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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	internallog "github.com/tombee/keeper/internal/log"
)

// Inheritable is implemented by resources that survive a process image
// replacement. PrepareExec makes the resource visible to the next image and
// returns the environment entry that describes it.
type Inheritable interface {
	PrepareExec() (string, error)
}

// Ledger records every descriptor-backed resource the process opens so a
// restart can close exactly those before exec. Anything not in the ledger is
// expected to be close-on-exec already.
type Ledger struct {
	mu      sync.Mutex
	entries []ledgerEntry
	closed  bool
}

type ledgerEntry struct {
	name   string
	closer io.Closer
}

// NewLedger creates an empty descriptor ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Track adds a resource to the ledger. Resources are closed in reverse order
// of registration.
func (l *Ledger) Track(name string, c io.Closer) {
	if c == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ledgerEntry{name: name, closer: c})
}

// Names lists the tracked resources in registration order.
func (l *Ledger) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, len(l.entries))
	for i, e := range l.entries {
		names[i] = e.name
	}
	return names
}

// PrepareExec closes every tracked resource except the inheritable ones,
// which are prepared for exec instead. It returns the environment entries
// the inheritable resources produced.
func (l *Ledger) PrepareExec(logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = internallog.Discard()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var env []string
	var errs []error
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if inh, ok := e.closer.(Inheritable); ok {
			kv, err := inh.PrepareExec()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
				continue
			}
			internallog.Trace(logger, "descriptor handed over", slog.String("resource", e.name))
			env = append(env, kv)
			continue
		}

		if err := e.closer.Close(); err != nil {
			logger.Debug("failed to close descriptor before exec",
				slog.String("resource", e.name),
				internallog.Error(err))
			continue
		}
		internallog.Trace(logger, "descriptor closed", slog.String("resource", e.name))
	}
	l.closed = true

	return env, errors.Join(errs...)
}

// Close closes every tracked resource. It is used on a normal exit and is
// a no-op after PrepareExec or a previous Close.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for i := len(l.entries) - 1; i >= 0; i-- {
		if err := l.entries[i].closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.entries[i].name, err))
		}
	}
	return errors.Join(errs...)
}
