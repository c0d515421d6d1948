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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lifecycle event types.
const (
	EventStart            = "start"
	EventSignal           = "signal"
	EventShutdown         = "shutdown"
	EventReaped           = "reaped"
	EventRestartRequested = "restart_requested"
	EventRestart          = "restart"
	EventRestartFailed    = "restart_failed"
	EventStopped          = "stopped"
	EventStalePID         = "stale_pid_detected"
)

// Event is a single lifecycle transition.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Event      string    `json:"event"`
	PID        int       `json:"pid,omitempty"`
	Role       string    `json:"role,omitempty"`
	Version    string    `json:"version,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	Count      int       `json:"count,omitempty"`
	Generation int       `json:"generation,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Observer receives lifecycle events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(e Event) { f(e) }

const recentEvents = 64

// EventLog records lifecycle events. Events are appended as JSON lines to an
// optional journal file, kept in a short in-memory history, and fanned out to
// subscribers. Slow subscribers miss events rather than block the publisher.
type EventLog struct {
	path string

	mu     sync.Mutex
	recent []Event
	subs   map[chan Event]struct{}
	closed bool
}

// NewEventLog creates an event log. An empty path disables the journal.
func NewEventLog(path string) *EventLog {
	return &EventLog{
		path: path,
		subs: make(map[chan Event]struct{}),
	}
}

// Observe implements Observer. Journal write errors are dropped.
func (l *EventLog) Observe(e Event) {
	_ = l.Publish(e)
}

// Publish records an event.
func (l *EventLog) Publish(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.recent = append(l.recent, e)
	if len(l.recent) > recentEvents {
		l.recent = l.recent[len(l.recent)-recentEvents:]
	}
	for ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	l.mu.Unlock()

	if l.path == "" {
		return nil
	}
	return l.writeEvent(e)
}

// Subscribe returns a channel of future events and a function that cancels
// the subscription. The channel is closed on cancel or Close.
func (l *EventLog) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		close(ch)
		return ch, func() {}
	}
	l.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[ch]; ok {
				delete(l.subs, ch)
				close(ch)
			}
		})
	}
}

// Recent returns the most recent events, oldest first.
func (l *EventLog) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.recent...)
}

// Close ends every subscription. Later events are discarded.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
	return nil
}

// writeEvent appends a lifecycle event to the journal file.
func (l *EventLog) writeEvent(event Event) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle journal: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}
