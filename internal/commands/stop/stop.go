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

package stop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/keeper/internal/commands/shared"
	"github.com/tombee/keeper/internal/config"
	"github.com/tombee/keeper/internal/lifecycle"
)

// NewCommand creates the stop command.
func NewCommand() *cobra.Command {
	var (
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a background keeperd",
		Long: `Stop the keeperd instance recorded in the PID file.

Sends SIGTERM and waits for the process to exit. With --force, SIGKILL is
sent once the timeout is exceeded.

The stop command is idempotent: if keeperd is not running, it exits
successfully after cleaning up a stale PID file.`,
		Example: `  # Stop gracefully
  keeperd stop

  # Kill if still running after 60s
  keeperd stop --timeout 60s --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.Context(), cmd.OutOrStdout(), stopOptions{
				configPath: shared.GetConfigPath(),
				timeout:    timeout,
				force:      force,
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Graceful shutdown timeout")
	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL if the timeout is exceeded")

	return cmd
}

type stopOptions struct {
	configPath string
	timeout    time.Duration
	force      bool
}

// stopResult is the --json output.
type stopResult struct {
	shared.JSONResponse
	PID     int    `json:"pid,omitempty"`
	State   string `json:"state"`
	Elapsed string `json:"elapsed,omitempty"`
}

func runStop(ctx context.Context, out io.Writer, opts stopOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.NewConfigError("failed to load config", err)
	}

	pidFilePath := cfg.PIDFile
	if pidFilePath == "" {
		if pidFilePath, err = config.DefaultPIDFile(); err != nil {
			return fmt.Errorf("failed to determine PID file path: %w", err)
		}
	}

	report := func(pid int, state, msg string, elapsed time.Duration) error {
		if shared.GetJSON() {
			res := stopResult{
				JSONResponse: shared.JSONResponse{Version: "1.0", Command: "stop", Success: true},
				PID:          pid,
				State:        state,
			}
			if elapsed > 0 {
				res.Elapsed = elapsed.Round(time.Millisecond).String()
			}
			return shared.EmitJSON(out, res)
		}
		fmt.Fprintln(out, msg)
		return nil
	}

	pidMgr := lifecycle.NewPIDFileManager(pidFilePath)
	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report(0, "not_running", "keeperd is not running (no PID file)", 0)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if !lifecycle.IsProcessRunning(pid) {
		if err := pidMgr.Remove(); err != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
		return report(pid, "stale", shared.RenderWarn(fmt.Sprintf("keeperd process %d is not running (removed stale PID file)", pid)), 0)
	}

	if !lifecycle.IsKeeperProcess(pid) {
		return fmt.Errorf("PID %d: %w (refusing to stop)", pid, lifecycle.ErrNotKeeperProcess)
	}

	if !shared.GetJSON() {
		fmt.Fprintf(out, "Stopping keeperd (PID %d)...\n", pid)
	}

	start := time.Now()
	if err := lifecycle.GracefulShutdown(pid, opts.timeout, opts.force); err != nil {
		return fmt.Errorf("failed to stop keeperd: %w", err)
	}

	// keeperd removes its own PID file; this covers a killed process.
	if err := pidMgr.Remove(); err != nil {
		fmt.Fprintln(os.Stderr, shared.RenderWarn(fmt.Sprintf("failed to remove PID file: %v", err)))
	}

	return report(pid, "stopped", shared.RenderOK("keeperd stopped"), time.Since(start))
}
