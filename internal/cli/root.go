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

package cli

import (
	"github.com/spf13/cobra"
	"github.com/tombee/keeper/internal/commands/restart"
	"github.com/tombee/keeper/internal/commands/serve"
	"github.com/tombee/keeper/internal/commands/shared"
	"github.com/tombee/keeper/internal/commands/status"
	"github.com/tombee/keeper/internal/commands/stop"
	versioncmd "github.com/tombee/keeper/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for keeperd
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keeperd",
		Short: "keeperd - supervised admin service",
		Long: `keeperd serves the keeper admin API on a single listener and owns the
process lifecycle: graceful shutdown on SIGINT/SIGTERM, reaping of child
processes, and in-place restart on SIGHUP or request.

Run 'keeperd serve' to start in the foreground.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/keeper/config.yaml)")

	cmd.AddCommand(serve.NewCommand())
	cmd.AddCommand(stop.NewCommand())
	cmd.AddCommand(status.NewCommand())
	cmd.AddCommand(restart.NewCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand())

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
