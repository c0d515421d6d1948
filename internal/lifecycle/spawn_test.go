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
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// skipOnSpawnError skips when the environment forbids fork/exec.
func skipOnSpawnError(t *testing.T, err error) {
	t.Helper()
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("spawn not permitted in this environment: %v", err)
	}
}

func waitForContent(t *testing.T, path, want string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		content, _ := os.ReadFile(path)
		if strings.Contains(string(content), want) || time.Now().After(deadline) {
			return string(content)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSpawner_SpawnDetached(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("SKIP_SPAWN_TESTS is set")
	}

	tmpDir := t.TempDir()

	t.Run("redirects output to log file", func(t *testing.T) {
		logPath := filepath.Join(tmpDir, "nested", "keeper.log")

		pid, err := NewSpawner().SpawnDetached("sh", []string{"-c", "echo started"}, logPath)
		skipOnSpawnError(t, err)
		if err != nil {
			t.Fatalf("SpawnDetached() error = %v", err)
		}
		if pid <= 0 {
			t.Errorf("SpawnDetached() pid = %d", pid)
		}

		if content := waitForContent(t, logPath, "started"); !strings.Contains(content, "started") {
			t.Errorf("log file = %q, want it to contain %q", content, "started")
		}

		info, err := os.Stat(logPath)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0600 {
			t.Errorf("log file mode = %04o, want 0600", mode)
		}
	})

	t.Run("runs in its own session", func(t *testing.T) {
		pid, err := NewSpawner().SpawnDetached("sleep", []string{"5"}, "")
		skipOnSpawnError(t, err)
		if err != nil {
			t.Fatalf("SpawnDetached() error = %v", err)
		}
		defer syscall.Kill(pid, syscall.SIGKILL)

		sid, err := unix.Getsid(pid)
		if err != nil {
			t.Fatalf("Getsid() error = %v", err)
		}
		if sid != pid {
			t.Errorf("session id = %d, want %d", sid, pid)
		}
	})

	t.Run("marks the child as background", func(t *testing.T) {
		logPath := filepath.Join(tmpDir, "env.log")
		spawner := NewSpawner().WithEnv([]string{"PATH=" + os.Getenv("PATH"), "KEEPER_TEST=spawned"})

		_, err := spawner.SpawnDetached("sh", []string{"-c", "echo $KEEPER_TEST $" + EnvBackground}, logPath)
		skipOnSpawnError(t, err)
		if err != nil {
			t.Fatalf("SpawnDetached() error = %v", err)
		}

		if content := waitForContent(t, logPath, "spawned 1"); !strings.Contains(content, "spawned 1") {
			t.Errorf("log file = %q, want %q", content, "spawned 1")
		}
	})

	t.Run("invalid binary", func(t *testing.T) {
		_, err := NewSpawner().SpawnDetached("/nonexistent/keeperd", nil, "")
		if err == nil {
			t.Error("SpawnDetached() with missing binary succeeded, want error")
		}
	})
}

func TestInBackground(t *testing.T) {
	t.Setenv(EnvBackground, "")
	if InBackground() {
		t.Error("InBackground() = true with empty variable")
	}
	t.Setenv(EnvBackground, "1")
	if !InBackground() {
		t.Error("InBackground() = false with variable set")
	}
}
