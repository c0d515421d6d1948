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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// EnvBackground is set in the environment of a daemon started by
// SpawnDetached so it knows it runs without a terminal.
const EnvBackground = "KEEPER_BACKGROUND"

// InBackground reports whether this process was spawned detached.
func InBackground() bool {
	return os.Getenv(EnvBackground) == "1"
}

// Spawner handles detached process spawning for daemon background mode.
type Spawner struct {
	// Env is the environment of the child process.
	Env []string
}

// NewSpawner creates a new process spawner.
func NewSpawner() *Spawner {
	return &Spawner{
		Env: os.Environ(),
	}
}

// WithEnv replaces the environment passed to the spawned process.
func (s *Spawner) WithEnv(env []string) *Spawner {
	s.Env = env
	return s
}

// SpawnDetached starts binary in a new session with stdin closed and
// stdout/stderr appended to logPath. An empty logPath discards output.
// The child is released, not waited for.
//
// Returns the PID of the spawned process.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	out, err := openSpawnLog(logPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = mergeEnv(s.Env, []string{EnvBackground + "=1"})
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil

	// Setsid already makes the child a group leader; Setpgid would make
	// setsid fail with EPERM.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	pid := cmd.Process.Pid

	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}

	return pid, nil
}

func openSpawnLog(logPath string) (*os.File, error) {
	if logPath == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
		}
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
