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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/keeper/internal/config"
)

type fakeServer struct {
	restart bool
}

func (s *fakeServer) RestartRequested() bool { return s.restart }

type execCall struct {
	argv0 string
	argv  []string
	envv  []string
}

type restartHarness struct {
	sup    *Supervisor
	reaper *countingReaper
	exits  *exitRecorder
	execs  []execCall
}

func newRestartHarness(role config.Role) *restartHarness {
	h := &restartHarness{reaper: &countingReaper{}, exits: newExitRecorder()}
	h.sup = NewSupervisor(role, &countingFacade{}, WithReaper(h.reaper), WithExit(h.exits.exit))
	return h
}

func (h *restartHarness) controller(srv Restartable, ledger *Ledger, execErr error, opts ...RestartOption) *RestartController {
	base := []RestartOption{
		WithControllerExit(h.exits.exit),
		WithExec(func(argv0 string, argv []string, envv []string) error {
			h.execs = append(h.execs, execCall{argv0, argv, envv})
			return execErr
		}),
		WithExecutable(func() (string, error) { return "/usr/local/bin/keeperd", nil }),
		WithArgs([]string{"keeperd", "serve", "--config", "/etc/keeper.yaml"}),
		WithEnviron(func() []string {
			return []string{"PATH=/usr/bin", EnvRestartGeneration + "=3", "KEEPER_LISTEN_FD=99"}
		}),
		WithGeneration(3),
	}
	return NewRestartController(h.sup, srv, ledger, append(base, opts...)...)
}

func TestRestartController_RestartReplacesImage(t *testing.T) {
	h := newRestartHarness(config.RoleMaster)

	var closed []string
	ledger := NewLedger()
	ledger.Track("pid file", &recordingCloser{name: "pid file", order: &closed})
	ledger.Track("listener", &inheritableCloser{
		recordingCloser: recordingCloser{name: "listener", order: &closed},
		env:             "KEEPER_LISTEN_FD=5",
	})

	err := h.controller(&fakeServer{restart: true}, ledger, nil).Resolve(context.Background())
	require.NoError(t, err)

	require.Len(t, h.execs, 1)
	call := h.execs[0]
	assert.Equal(t, "/usr/local/bin/keeperd", call.argv0)
	assert.Equal(t, []string{"keeperd", "serve", "--config", "/etc/keeper.yaml"}, call.argv)
	assert.ElementsMatch(t, []string{
		"PATH=/usr/bin",
		"KEEPER_LISTEN_FD=5",
		EnvRestartGeneration + "=4",
	}, call.envv)

	assert.Equal(t, []string{"pid file"}, closed, "only non-inheritable descriptors are closed")
	assert.True(t, h.sup.ShuttingDown())
	assert.Equal(t, int32(1), h.reaper.calls.Load())
	assert.Empty(t, h.exits.Codes())
}

func TestRestartController_ExecFailureExits(t *testing.T) {
	h := newRestartHarness(config.RoleMaster)

	err := h.controller(&fakeServer{restart: true}, nil, errors.New("exec format error")).Resolve(context.Background())

	assert.ErrorIs(t, err, ErrRestartFailed)
	assert.Equal(t, []int{1}, h.exits.Codes())
}

func TestRestartController_ShutdownInProgress(t *testing.T) {
	h := newRestartHarness(config.RoleMaster)
	require.True(t, h.sup.Teardown())

	err := h.controller(&fakeServer{restart: true}, nil, nil).Resolve(context.Background())

	require.NoError(t, err)
	assert.Empty(t, h.execs, "a signal-driven shutdown wins over a restart")
	assert.Empty(t, h.exits.Codes())
	assert.Equal(t, int32(1), h.reaper.calls.Load())
}

func TestRestartController_WaitsForTeardown(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{name: "live context", ctx: context.Background()},
		{name: "cancelled context", ctx: cancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := make(chan struct{})
			facade := blockingFacade{release: block}
			reaper := &countingReaper{}
			sup := NewSupervisor(config.RoleMaster, facade, WithReaper(reaper), WithExit(func(int) {}))

			go sup.Cleanup()
			require.Eventually(t, sup.ShuttingDown, time.Second, time.Millisecond)

			done := make(chan error, 1)
			go func() {
				done <- NewRestartController(sup, &fakeServer{}, nil).Resolve(tt.ctx)
			}()

			select {
			case <-done:
				t.Fatal("Resolve returned before teardown finished")
			case <-time.After(50 * time.Millisecond):
			}

			close(block)
			select {
			case err := <-done:
				assert.NoError(t, err)
				assert.Equal(t, int32(1), reaper.calls.Load(), "descendants reaped before Resolve returned")
			case <-time.After(5 * time.Second):
				t.Fatal("Resolve did not return after teardown")
			}
		})
	}
}

type blockingFacade struct {
	release chan struct{}
}

func (f blockingFacade) Destroy() { <-f.release }

func TestRestartController_MasterExits(t *testing.T) {
	h := newRestartHarness(config.RoleMaster)

	var closed []string
	ledger := NewLedger()
	ledger.Track("pid file", &recordingCloser{name: "pid file", order: &closed})

	err := h.controller(&fakeServer{}, ledger, nil).Resolve(context.Background())

	require.NoError(t, err)
	assert.Empty(t, h.execs)
	assert.Equal(t, []int{0}, h.exits.Codes())
	assert.Equal(t, []string{"pid file"}, closed)
	assert.False(t, h.sup.ShuttingDown())
}

func TestRestartController_WorkerBlocks(t *testing.T) {
	h := newRestartHarness(config.RoleWorker)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.controller(&fakeServer{}, nil, nil).Resolve(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.execs)
	assert.Empty(t, h.exits.Codes())
}

func TestGeneration(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 0},
		{"2", 2},
		{"-1", 0},
		{"two", 0},
	}
	for _, tt := range tests {
		t.Setenv(EnvRestartGeneration, tt.value)
		if got := Generation(); got != tt.want {
			t.Errorf("Generation() with %q = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv(
		[]string{"HOME=/root", "KEEPER_LISTEN_FD=3", "TERM"},
		[]string{"KEEPER_LISTEN_FD=6"},
	)
	assert.Equal(t, []string{"HOME=/root", "TERM", "KEEPER_LISTEN_FD=6"}, got)
}
