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


package restart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/keeper/internal/client"
	"github.com/tombee/keeper/internal/commands/shared"
	"github.com/tombee/keeper/internal/config"
	"github.com/tombee/keeper/internal/gateway"
	"github.com/tombee/keeper/internal/lifecycle"
)

// NewCommand creates the restart command.
func NewCommand() *cobra.Command {
	var (
		timeout time.Duration
		signal  bool
		noWait  bool
	)

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a running keeperd in place",
		Long: `Ask a running keeperd to replace its process image.

The restart is warm: the pid and the listening socket are kept, so clients
see no gap in accepted connections. By default the request goes over the
admin API and the command waits until the new image reports a higher
restart generation.

With --signal, SIGHUP is sent to the pid in the PID file instead.`,
		Example: `  # Restart over the admin API and wait
  keeperd restart

  # Restart a background instance by signal
  keeperd restart --signal`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return shared.NewConfigError("failed to load config", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if signal {
				return runSignal(cmd.OutOrStdout(), cfg)
			}
			v, _, _ := shared.GetVersion()
			c, err := client.FromConfig(cfg, client.WithUserAgent(client.DefaultUserAgent+"/"+v))
			if err != nil {
				return shared.NewConfigError("failed to create client", err)
			}
			return runRestart(ctx, cmd.OutOrStdout(), c, !noWait)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the new image")
	cmd.Flags().BoolVar(&signal, "signal", false, "Send SIGHUP to the pid in the PID file")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return once the request is accepted")

	return cmd
}

// restartResult is the --json output.
type restartResult struct {
	shared.JSONResponse
	PID        int `json:"pid"`
	Generation int `json:"generation"`
}

const pollInterval = 200 * time.Millisecond

func runRestart(ctx context.Context, out io.Writer, c *client.Client, wait bool) error {
	before, err := c.Status(ctx)
	if err != nil {
		if client.IsNotRunning(err) {
			return shared.NewNotRunningError(err)
		}
		return fmt.Errorf("failed to get status: %w", err)
	}

	if err := c.Restart(ctx); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			return fmt.Errorf("%s, retry in %s", apiErr.Message, apiErr.RetryAfter)
		}
		return fmt.Errorf("restart request failed: %w", err)
	}

	after := before
	if wait {
		if after, err = awaitGeneration(ctx, c, before.Generation); err != nil {
			return err
		}
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, restartResult{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "restart", Success: true},
			PID:          after.PID,
			Generation:   after.Generation,
		})
	}
	if !wait {
		fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("restart requested (PID %d)", before.PID)))
		return nil
	}
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("keeperd restarted (PID %d, generation %d)", after.PID, after.Generation)))
	return nil
}

// awaitGeneration polls until the instance reports a generation above prev.
// Connection errors are expected while the image is replaced.
func awaitGeneration(ctx context.Context, c *client.Client, prev int) (*gateway.Status, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for restart: %w", ctx.Err())
		case <-ticker.C:
			st, err := c.Status(ctx)
			if err == nil && st.Generation > prev {
				return st, nil
			}
		}
	}
}

func runSignal(out io.Writer, cfg *config.Config) error {
	pidFilePath := cfg.PIDFile
	if pidFilePath == "" {
		var err error
		if pidFilePath, err = config.DefaultPIDFile(); err != nil {
			return fmt.Errorf("failed to determine PID file path: %w", err)
		}
	}

	pid, err := lifecycle.NewPIDFileManager(pidFilePath).Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return shared.NewNotRunningError(err)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	if !lifecycle.IsProcessRunning(pid) {
		return shared.NewNotRunningError(fmt.Errorf("process %d not found", pid))
	}
	if !lifecycle.IsKeeperProcess(pid) {
		return fmt.Errorf("PID %d: %w (refusing to signal)", pid, lifecycle.ErrNotKeeperProcess)
	}

	if err := lifecycle.SendSignal(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal keeperd: %w", err)
	}
	if shared.GetJSON() {
		return shared.EmitJSON(out, restartResult{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "restart", Success: true},
			PID:          pid,
		})
	}
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("sent SIGHUP to keeperd (PID %d)", pid)))
	return nil
}
