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
	"reflect"
	"testing"
)

type recordingCloser struct {
	name  string
	order *[]string
	err   error
}

func (c *recordingCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

type inheritableCloser struct {
	recordingCloser
	env      string
	prepared bool
}

func (c *inheritableCloser) PrepareExec() (string, error) {
	c.prepared = true
	return c.env, nil
}

func TestLedger_PrepareExec(t *testing.T) {
	var closed []string
	l := NewLedger()

	l.Track("pid file", &recordingCloser{name: "pid file", order: &closed})
	listener := &inheritableCloser{recordingCloser: recordingCloser{name: "listener", order: &closed}, env: "KEEPER_LISTEN_FD=7"}
	l.Track("listener", listener)
	l.Track("journal", &recordingCloser{name: "journal", order: &closed, err: errors.New("already closed")})
	l.Track("nil", nil)

	if got := l.Names(); !reflect.DeepEqual(got, []string{"pid file", "listener", "journal"}) {
		t.Errorf("Names() = %v", got)
	}

	env, err := l.PrepareExec(nil)
	if err != nil {
		t.Fatalf("PrepareExec() error = %v", err)
	}
	if !reflect.DeepEqual(env, []string{"KEEPER_LISTEN_FD=7"}) {
		t.Errorf("PrepareExec() env = %v", env)
	}
	if !listener.prepared {
		t.Error("inheritable resource was not prepared")
	}
	if !reflect.DeepEqual(closed, []string{"journal", "pid file"}) {
		t.Errorf("closed = %v, want [journal pid file]", closed)
	}

	if err := l.Close(); err != nil {
		t.Errorf("Close() after PrepareExec() error = %v", err)
	}
	if len(closed) != 2 {
		t.Errorf("Close() after PrepareExec() closed again: %v", closed)
	}
}

func TestLedger_Close(t *testing.T) {
	var closed []string
	l := NewLedger()
	l.Track("a", &recordingCloser{name: "a", order: &closed})
	l.Track("b", &inheritableCloser{recordingCloser: recordingCloser{name: "b", order: &closed}})
	l.Track("c", &recordingCloser{name: "c", order: &closed, err: errors.New("boom")})

	err := l.Close()
	if err == nil {
		t.Error("Close() error = nil, want the failing closer's error")
	}
	if !reflect.DeepEqual(closed, []string{"c", "b", "a"}) {
		t.Errorf("closed = %v, want [c b a]", closed)
	}

	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
