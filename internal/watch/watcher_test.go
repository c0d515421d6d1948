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

package watch

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRestarter struct {
	calls atomic.Int32
}

func (r *countingRestarter) RequestRestart() { r.calls.Add(1) }

func newWatcher(t *testing.T, path string, r Restarter) *ConfigWatcher {
	t.Helper()
	w, err := New(Config{Path: path, Restarter: r, DebounceDelay: 150 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestConfigWatcher_WriteRequestsRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: master\n"), 0600))

	r := &countingRestarter{}
	newWatcher(t, path, r)

	// A burst of writes collapses into one request.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("role: worker\n"), 0600))
	}

	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestConfigWatcher_RenameReplaceRequestsRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: master\n"), 0600))

	r := &countingRestarter{}
	newWatcher(t, path, r)

	tmp := filepath.Join(dir, ".keeper.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("role: worker\n"), 0600))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestConfigWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: master\n"), 0600))

	r := &countingRestarter{}
	newWatcher(t, path, r)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0600))

	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, r.calls.Load())
}

func TestConfigWatcher_CloseCancelsPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	r := &countingRestarter{}
	w, err := New(Config{Path: path, Restarter: r, DebounceDelay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("role: worker\n"), 0600))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, w.Close())
	assert.Zero(t, r.calls.Load())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Restarter: &countingRestarter{}})
	assert.Error(t, err)

	_, err = New(Config{Path: "keeper.yaml"})
	assert.Error(t, err)

	_, err = New(Config{Path: filepath.Join(t.TempDir(), "missing", "keeper.yaml"), Restarter: &countingRestarter{}})
	assert.Error(t, err)
}
