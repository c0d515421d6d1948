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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"

	"github.com/tombee/keeper/internal/config"
	"github.com/tombee/keeper/internal/crash"
	"github.com/tombee/keeper/internal/gateway"
	"github.com/tombee/keeper/internal/lifecycle"
	"github.com/tombee/keeper/internal/listener"
	internallog "github.com/tombee/keeper/internal/log"
	"github.com/tombee/keeper/internal/server"
	"github.com/tombee/keeper/internal/telemetry"
	"github.com/tombee/keeper/internal/watch"
	"golang.org/x/sys/unix"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	BuildInfo

	// ConfigPath is the configuration file. Empty uses the default
	// location.
	ConfigPath string

	// Role overrides the configured role when set.
	Role config.Role

	// Foreground is false for a detached background instance. Errors in
	// the background are reported and swallowed.
	Foreground bool

	// LogOutput receives log output. Default: os.Stderr
	LogOutput io.Writer

	// Ready, when set, is called with the listen address once the server
	// is about to serve.
	Ready func(addr net.Addr)

	exit func(int)
	exec lifecycle.ExecFunc
}

// Run loads the configuration, serves until shutdown or restart, and turns
// any escaping error or panic into a crash report.
//
// ctx stands in for an operator interrupt: cancelling it runs the same
// cleanup as SIGINT. In the foreground an interrupt is not an error.
func Run(ctx context.Context, opts RunOptions) error {
	if opts.exit == nil {
		opts.exit = os.Exit
	}
	if opts.exec == nil {
		opts.exec = unix.Exec
	}

	var cfg *config.Config
	logger := internallog.New(logConfig(nil, opts.LogOutput))

	err := guard(func() error {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
		if opts.Role != "" {
			cfg.Role = opts.Role
		}

		logger = internallog.New(logConfig(cfg, opts.LogOutput))
		slog.SetDefault(logger)

		return run(ctx, cfg, logger, opts)
	})
	if err == nil {
		return nil
	}

	var bindErr *listener.BindError
	if errors.As(err, &bindErr) {
		// Already reported and exited.
		return err
	}
	if opts.Foreground && errors.Is(err, context.Canceled) {
		logger.Debug("interrupted")
		return nil
	}

	var stack []byte
	var panicErr *crash.PanicError
	if errors.As(err, &panicErr) {
		stack = panicErr.Stack
	}

	logger.Error("fatal crash occurred", internallog.Error(err))
	reporter := crash.NewReporter(productName(cfg), opts.Version, crashDir(cfg), logger)
	if _, reportErr := reporter.Report(err, stack); reportErr != nil {
		logger.Error("failed to write crash report", internallog.Error(reportErr))
	}

	if !opts.Foreground {
		return nil
	}
	opts.exit(1)
	return err
}

// guard runs fn and converts a panic into a *crash.PanicError.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &crash.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts RunOptions) error {
	dctx := NewContext(cfg, opts.BuildInfo, logger)
	logger = internallog.WithProcess(logger, os.Getpid(), string(dctx.Role))
	dctx.Logger = logger

	if path := cfg.Path(); path != "" {
		logger.Info("loaded config", slog.String("path", path))
	}
	logger.Info("starting "+dctx.Product,
		slog.String("version", dctx.Version),
		slog.String("instance_id", dctx.InstanceID),
		slog.Int("generation", dctx.Generation))

	// Close whatever was opened if we never reach the serve loop.
	serving := false
	defer func() {
		if !serving {
			dctx.Ledger.Close()
		}
	}()

	ln, err := bind(ctx, dctx)
	if err != nil {
		var bindErr *listener.BindError
		if errors.As(err, &bindErr) {
			logger.Error("could not bind", slog.String("addr", bindErr.Addr), internallog.Error(bindErr.Cause))
			opts.exit(1)
		}
		return err
	}

	handover, err := listener.NewHandover(ln)
	if err != nil {
		ln.Close()
		return err
	}
	dctx.Ledger.Track(handover.Name(), handover)

	events := lifecycle.NewEventLog(cfg.EventLog)
	dctx.Events = events
	// The journal is opened per write; closing it only ends subscriptions.
	dctx.Ledger.Track("event subscriptions", events)

	if err := acquirePIDFile(dctx, !opts.Foreground); err != nil {
		ln.Close()
		return err
	}

	provider, err := telemetry.NewProvider(dctx.Product, dctx.Version, dctx.InstanceID, dctx.Generation)
	if err != nil {
		ln.Close()
		return err
	}
	dctx.Telemetry = provider
	defer provider.Shutdown(context.Background())

	gw := gateway.New(gateway.Options{
		Product:         dctx.Product,
		Version:         dctx.Version,
		InstanceID:      dctx.InstanceID,
		Role:            string(dctx.Role),
		Locale:          dctx.LocaleName(),
		Generation:      dctx.Generation,
		Events:          events,
		Metrics:         provider.Metrics(),
		MetricsHandler:  provider.Handler(),
		RestartInterval: cfg.RestartInterval,
		Logger:          logger,
	})

	var certificate string
	if cfg.SSL.Enable {
		certificate = cfg.SSL.CertificatePath
		logger.Info("SSL enabled", slog.String("certificate", certificate))
	}
	srv, err := server.New(ln, gw.Handler(), server.Options{
		CertificatePath: certificate,
		Gateway:         gw,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})
	if err != nil {
		ln.Close()
		return err
	}

	// Every exit path releases the ledger, which removes the PID file.
	exit := func(code int) {
		if err := dctx.Ledger.Close(); err != nil {
			logger.Debug("failed to close descriptors", internallog.Error(err))
		}
		opts.exit(code)
	}

	restarter := &countingRestarter{srv: srv, metrics: provider.Metrics()}
	sup := lifecycle.NewSupervisor(dctx.Role, srv,
		lifecycle.WithLogger(logger),
		lifecycle.WithObserver(events),
		lifecycle.WithObserver(provider.Metrics()),
		lifecycle.WithRestartHandler(restarter.RequestRestart),
		lifecycle.WithExit(exit),
	)
	defer sup.Release()
	gw.Attach(restarter, sup, srv.Addr().String())
	sup.Arm()

	if cfg.WatchConfig {
		startWatcher(dctx, restarter)
	}

	events.Publish(lifecycle.Event{
		Event:      lifecycle.EventStart,
		PID:        os.Getpid(),
		Role:       string(dctx.Role),
		Version:    dctx.Version,
		Generation: dctx.Generation,
	})

	logger.Info("server started",
		slog.String("addr", srv.Addr().String()),
		slog.Bool("tls", srv.TLS()))
	if opts.Ready != nil {
		opts.Ready(srv.Addr())
	}

	// Cancelling ctx runs the same cleanup as SIGINT. Cleanup only returns
	// when exit was replaced, in which case a worker's server is still up.
	stopOnCancel := context.AfterFunc(ctx, func() {
		logger.Info("interrupted, shutting down")
		sup.Cleanup()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		srv.Stop(stopCtx)
	})
	defer stopOnCancel()

	serving = true
	if err := srv.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctrl := lifecycle.NewRestartController(sup, srv, dctx.Ledger,
		lifecycle.WithExec(opts.exec),
		lifecycle.WithControllerExit(exit),
		lifecycle.WithControllerLogger(logger),
		lifecycle.WithGeneration(dctx.Generation),
	)
	return ctrl.Resolve(ctx)
}

// bind adopts a listener handed over by a previous image, or resolves the
// configured bind target and listens on it.
func bind(ctx context.Context, dctx *Context) (net.Listener, error) {
	ln, ok, err := listener.Inherit()
	if err != nil {
		return nil, err
	}
	if ok {
		dctx.Logger.Info("adopted inherited listener", slog.String("addr", ln.Addr().String()))
		return ln, nil
	}

	spec, err := listener.Resolve(dctx.Config.Bind)
	if err != nil {
		return nil, err
	}
	dctx.Logger.Info("starting server", slog.String("bind", spec.String()))

	return listener.Listen(ctx, spec, dctx.Logger)
}

// acquirePIDFile writes the configured PID file. Background instances
// always write one, at the default location when none is configured.
func acquirePIDFile(dctx *Context, background bool) error {
	path := dctx.Config.PIDFile
	if path == "" && background {
		var err error
		if path, err = config.DefaultPIDFile(); err != nil {
			return fmt.Errorf("pid file: %w", err)
		}
	}
	if path == "" {
		return nil
	}

	pidFile := lifecycle.NewPIDFileManager(path)
	stale, err := pidFile.Acquire(os.Getpid())
	if err != nil {
		return fmt.Errorf("pid file %s: %w", path, err)
	}
	if stale != 0 && stale != os.Getpid() {
		dctx.Logger.Warn("replaced stale PID file", slog.String("path", path), slog.Int("stale_pid", stale))
		dctx.Events.Publish(lifecycle.Event{Event: lifecycle.EventStalePID, PID: stale})
	}
	dctx.Ledger.Track("pid file", pidFile)
	return nil
}

// countingRestarter records every restart request before passing it on.
type countingRestarter struct {
	srv     *server.Server
	metrics lifecycle.Observer
}

func (r *countingRestarter) RequestRestart() {
	r.metrics.Observe(lifecycle.Event{Event: lifecycle.EventRestartRequested, PID: os.Getpid()})
	r.srv.RequestRestart()
}

func startWatcher(dctx *Context, restarter watch.Restarter) {
	path := dctx.Config.Path()
	if path == "" {
		dctx.Logger.Warn("watch_config is set but no config file was loaded")
		return
	}

	w, err := watch.New(watch.Config{
		Path:      path,
		Restarter: restarter,
		Logger:    dctx.Logger,
	})
	if err != nil {
		dctx.Logger.Warn("failed to watch config file", internallog.Error(err))
		return
	}
	dctx.Ledger.Track("config watcher", w)
}

func logConfig(cfg *config.Config, output io.Writer) *internallog.Config {
	lc := internallog.FromEnv()
	if output != nil {
		lc.Output = output
	}
	if cfg == nil {
		return lc
	}
	if cfg.Log.Level != "" {
		lc.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		lc.Format = internallog.Format(cfg.Log.Format)
	}
	return lc
}

func productName(cfg *config.Config) string {
	if cfg != nil && cfg.Name != "" {
		return cfg.Name
	}
	return "keeper"
}

func crashDir(cfg *config.Config) string {
	if cfg != nil && cfg.CrashDir != "" {
		return cfg.CrashDir
	}
	if dir := os.Getenv("KEEPER_CRASH_DIR"); dir != "" {
		return dir
	}
	return crash.DefaultDir
}
