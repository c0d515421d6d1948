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

package serve

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/keeper/internal/commands/shared"
	"github.com/tombee/keeper/internal/config"
	"github.com/tombee/keeper/internal/daemon"
	"github.com/tombee/keeper/internal/lifecycle"
	"github.com/tombee/keeper/internal/listener"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keeper admin service",
		Long: `Start the keeper admin service on the configured bind target.

In the foreground the service logs to stderr and an error escaping the run
exits with status 1 after a crash report is written. With --daemonize the
service is started as a detached background process that writes a PID file
and logs to log_file; the command returns once it reports healthy.

SIGINT and SIGTERM shut the service down, SIGHUP restarts it in place.`,
		Example: `  # Serve in the foreground
  keeperd serve

  # Serve as a worker with an explicit config file
  keeperd serve --config /etc/keeper/config.yaml --role worker

  # Start in the background
  keeperd serve --daemonize`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = shared.GetConfigPath()
			if opts.daemonize {
				return runDaemonize(cmd.Context(), cmd.OutOrStdout(), opts)
			}
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.role, "role", "", "Process role (master, worker)")
	cmd.Flags().BoolVar(&opts.daemonize, "daemonize", false, "Start a detached background instance and return")
	cmd.Flags().BoolVar(&opts.foreground, "foreground", false, "Serve in the foreground even when started in the background")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Health check timeout for --daemonize")
	cmd.MarkFlagsMutuallyExclusive("daemonize", "foreground")

	return cmd
}

type options struct {
	configPath string
	role       string
	daemonize  bool
	foreground bool
	timeout    time.Duration
}

func (o options) parsedRole() (config.Role, error) {
	switch config.Role(o.role) {
	case "":
		return "", nil
	case config.RoleMaster, config.RoleWorker:
		return config.Role(o.role), nil
	default:
		return "", shared.NewConfigError(fmt.Sprintf("invalid --role %q", o.role), nil)
	}
}

func runServe(ctx context.Context, opts options) error {
	role, err := opts.parsedRole()
	if err != nil {
		return err
	}

	// SIGINT and SIGTERM belong to the supervisor inside daemon.Run.
	v, c, b := shared.GetVersion()
	return daemon.Run(ctx, daemon.RunOptions{
		BuildInfo:  daemon.BuildInfo{Version: v, Commit: c, BuildDate: b},
		ConfigPath: opts.configPath,
		Role:       role,
		Foreground: opts.foreground || !lifecycle.InBackground(),
	})
}

func runDaemonize(ctx context.Context, out io.Writer, opts options) error {
	if _, err := opts.parsedRole(); err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.NewConfigError("failed to load config", err)
	}
	if opts.role != "" {
		cfg.Role = config.Role(opts.role)
	}

	pidFilePath, err := pidFile(cfg)
	if err != nil {
		return err
	}
	if pid, running := alreadyRunning(pidFilePath); running {
		fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("keeperd is already running (PID %d)", pid)))
		return nil
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	logPath := cfg.LogFile
	if logPath == "" {
		if dir, err := config.StateDir(); err == nil {
			logPath = filepath.Join(dir, "keeperd.log")
		}
	}

	pid, err := lifecycle.NewSpawner().SpawnDetached(binary, childArgs(cfg, opts), logPath)
	if err != nil {
		return fmt.Errorf("failed to spawn keeperd: %w", err)
	}
	fmt.Fprintf(out, "Starting keeperd (PID %d)...\n", pid)

	checker := healthChecker(cfg)
	if checker == nil {
		fmt.Fprintln(out, shared.RenderWarn("bind target cannot be health checked, not waiting for readiness"))
		return nil
	}

	start := time.Now()
	if _, err := checker.WaitUntilHealthy(ctx, opts.timeout); err != nil {
		_ = lifecycle.SendSignal(pid, syscall.SIGTERM)
		return fmt.Errorf("keeperd failed to become healthy within %v: %w", opts.timeout, err)
	}

	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("keeperd started (PID %d) in %s",
		pid, time.Since(start).Round(time.Millisecond))))
	return nil
}

// childArgs builds the argument list of the background instance. The
// config path is made absolute since the child may start elsewhere.
func childArgs(cfg *config.Config, opts options) []string {
	args := []string{"serve"}
	if path := cfg.Path(); path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		args = append(args, "--config", path)
	}
	if opts.role != "" {
		args = append(args, "--role", opts.role)
	}
	return args
}

func pidFile(cfg *config.Config) (string, error) {
	if cfg.PIDFile != "" {
		return cfg.PIDFile, nil
	}
	path, err := config.DefaultPIDFile()
	if err != nil {
		return "", fmt.Errorf("failed to determine PID file path: %w", err)
	}
	return path, nil
}

func alreadyRunning(path string) (int, bool) {
	pid, err := lifecycle.NewPIDFileManager(path).Read()
	if err != nil {
		return 0, false
	}
	return pid, lifecycle.IsProcessRunning(pid) && lifecycle.IsKeeperProcess(pid)
}

// healthChecker returns a checker for the configured bind target, or nil
// when readiness cannot be polled: an ephemeral port, or TLS.
func healthChecker(cfg *config.Config) *lifecycle.HealthChecker {
	spec, err := listener.Resolve(cfg.Bind)
	if err != nil {
		return nil
	}

	switch spec.Kind {
	case listener.KindUnix:
		return lifecycle.NewUnixHealthChecker(spec.Path, "/healthz")
	case listener.KindInet:
		if spec.Port == 0 || cfg.SSL.Enable {
			return nil
		}
		host := spec.Host
		if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
			host = "localhost"
		}
		return lifecycle.NewHealthChecker("http://" + net.JoinHostPort(host, strconv.Itoa(spec.Port)) + "/healthz")
	}
	return nil
}
