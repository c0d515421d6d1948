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

package crash

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedReporter(dir string) *Reporter {
	r := NewReporter("keeper", "1.2.3", dir, nil)
	r.Args = []string{"/usr/bin/keeperd", "serve", "--foreground"}
	r.PID = 4242
	r.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestReport_WritesToConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	r := fixedReporter(dir)

	path, err := r.Report(errors.New("listener exploded"), []byte("goroutine 1 [running]:\nmain.main()"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "keeper-crash.txt"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, "keeper crash report")
	assert.Contains(t, body, "Time:     2025-03-01T12:00:00Z")
	assert.Contains(t, body, "Version:  1.2.3")
	assert.Contains(t, body, "Platform: "+runtime.GOOS+"/"+runtime.GOARCH)
	assert.Contains(t, body, "PID:      4242")
	assert.Contains(t, body, "Args:     /usr/bin/keeperd serve --foreground")
	assert.Contains(t, body, "listener exploded")
	assert.Contains(t, body, "main.main()\n")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestReport_OverwritesPreviousReport(t *testing.T) {
	dir := t.TempDir()
	r := fixedReporter(dir)

	_, err := r.Report(errors.New("first"), []byte("stack"))
	require.NoError(t, err)
	path, err := r.Report(errors.New("second"), []byte("stack"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}

func TestReport_FallsBackToWorkingDirectory(t *testing.T) {
	work := t.TempDir()
	t.Chdir(work)

	// A regular file cannot be used as a directory.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	r := fixedReporter(blocker)
	path, err := r.Report(errors.New("boom"), []byte("stack"))
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(filepath.Dir(path))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(work)
	require.NoError(t, err)
	assert.Equal(t, want, resolved)
	assert.Equal(t, "keeper-crash.txt", filepath.Base(path))
}

func TestReport_CapturesStackWhenNil(t *testing.T) {
	r := fixedReporter(t.TempDir())

	path, err := r.Report(errors.New("boom"), nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "TestReport_CapturesStackWhenNil")
}

func TestNewReporter_Defaults(t *testing.T) {
	r := NewReporter("", "dev", "", nil)
	assert.Equal(t, DefaultDir, r.Dir)
	assert.Equal(t, "keeper-crash.txt", r.FileName())
	assert.Equal(t, os.Getpid(), r.PID)
}

func TestPanicError(t *testing.T) {
	cause := errors.New("nil map")
	err := &PanicError{Value: cause}
	assert.Equal(t, "panic: nil map", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Nil(t, (&PanicError{Value: "plain"}).Unwrap())
}
