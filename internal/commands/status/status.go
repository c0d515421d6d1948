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


package status

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/keeper/internal/client"
	"github.com/tombee/keeper/internal/commands/shared"
	"github.com/tombee/keeper/internal/config"
)

// NewCommand creates the status command.
func NewCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running keeperd",
		Long: `Query the admin API of a running keeperd and print its pid, role,
restart generation and uptime.

The address comes from the bind section of the config file. Set
KEEPER_HOST (unix://, tcp:// or https://) to reach a different instance.
Exits with status 3 when nothing answers.`,
		Example: `  # Show status
  keeperd status

  # Restart generation as JSON
  keeperd status --json | jq .generation`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return shared.NewConfigError("failed to load config", err)
			}
			v, _, _ := shared.GetVersion()
			c, err := client.FromConfig(cfg, client.WithUserAgent(client.DefaultUserAgent+"/"+v))
			if err != nil {
				return shared.NewConfigError("failed to create client", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runStatus(ctx, cmd.OutOrStdout(), c)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	return cmd
}

// statusResult is the --json output.
type statusResult struct {
	shared.JSONResponse
	PID           int     `json:"pid"`
	Role          string  `json:"role"`
	InstanceID    string  `json:"instance_id"`
	Version       string  `json:"version"`
	Generation    int     `json:"generation"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Addr          string  `json:"addr,omitempty"`
	ShuttingDown  bool    `json:"shutting_down"`
}

func runStatus(ctx context.Context, out io.Writer, c *client.Client) error {
	st, err := c.Status(ctx)
	if err != nil {
		if client.IsNotRunning(err) {
			return shared.NewNotRunningError(err)
		}
		return fmt.Errorf("failed to get status: %w", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, statusResult{
			JSONResponse:  shared.JSONResponse{Version: "1.0", Command: "status", Success: true},
			PID:           st.PID,
			Role:          st.Role,
			InstanceID:    st.InstanceID,
			Version:       st.Version,
			Generation:    st.Generation,
			UptimeSeconds: st.UptimeSeconds,
			Addr:          st.Addr,
			ShuttingDown:  st.ShuttingDown,
		})
	}

	state := shared.StatusOK.Render("running")
	if st.ShuttingDown {
		state = shared.StatusWarn.Render("stopping")
	}
	uptime := time.Duration(st.UptimeSeconds * float64(time.Second)).Round(time.Second)

	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("State:"), state)
	fmt.Fprintf(out, "%s %d\n", shared.RenderLabel("PID:"), st.PID)
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Role:"), st.Role)
	if st.Version != "" {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Version:"), st.Version)
	}
	if st.Addr != "" {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Address:"), st.Addr)
	}
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Instance:"), st.InstanceID)
	fmt.Fprintf(out, "%s %d\n", shared.RenderLabel("Generation:"), st.Generation)
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Uptime:"), uptime)
	return nil
}
