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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tombee/keeper/internal/config"
	internallog "github.com/tombee/keeper/internal/log"
	"golang.org/x/sys/unix"
)

// EnvRestartGeneration counts how many times the process image has been
// replaced by a restart.
const EnvRestartGeneration = "KEEPER_RESTART_GENERATION"

// Generation returns the restart generation of the running image. A cold
// start is generation 0.
func Generation() int {
	n, err := strconv.Atoi(os.Getenv(EnvRestartGeneration))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Restartable exposes the restart marker of a stopped server.
type Restartable interface {
	RestartRequested() bool
}

// ExecFunc replaces the current process image. It only returns on failure.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// RestartOption configures a RestartController.
type RestartOption func(*RestartController)

// WithExec replaces unix.Exec.
func WithExec(fn ExecFunc) RestartOption {
	return func(c *RestartController) { c.exec = fn }
}

// WithControllerExit replaces os.Exit.
func WithControllerExit(fn func(int)) RestartOption {
	return func(c *RestartController) { c.exit = fn }
}

// WithControllerLogger sets the controller logger.
func WithControllerLogger(logger *slog.Logger) RestartOption {
	return func(c *RestartController) { c.logger = logger }
}

// WithArgs overrides the argument vector passed to the new image.
func WithArgs(args []string) RestartOption {
	return func(c *RestartController) { c.args = args }
}

// WithExecutable overrides how the executable path is found.
func WithExecutable(fn func() (string, error)) RestartOption {
	return func(c *RestartController) { c.executable = fn }
}

// WithEnviron overrides the base environment of the new image.
func WithEnviron(fn func() []string) RestartOption {
	return func(c *RestartController) { c.environ = fn }
}

// WithGeneration overrides the current restart generation.
func WithGeneration(n int) RestartOption {
	return func(c *RestartController) { c.generation = n }
}

// RestartController decides what happens after the server stops: wait for a
// shutdown already in progress, replace the process image, exit, or block.
type RestartController struct {
	supervisor *Supervisor
	server     Restartable
	ledger     *Ledger
	logger     *slog.Logger

	exit       func(int)
	exec       ExecFunc
	executable func() (string, error)
	environ    func() []string
	args       []string
	generation int
}

// NewRestartController creates a controller for the given server.
func NewRestartController(sup *Supervisor, srv Restartable, ledger *Ledger, opts ...RestartOption) *RestartController {
	c := &RestartController{
		supervisor: sup,
		server:     srv,
		ledger:     ledger,
		exit:       os.Exit,
		exec:       unix.Exec,
		executable: os.Executable,
		environ:    os.Environ,
		args:       os.Args,
		generation: Generation(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = internallog.Discard()
	}
	if c.ledger == nil {
		c.ledger = NewLedger()
	}

	return c
}

// Resolve must be called once the server's Serve has returned.
//
// If a shutdown is already in progress it waits for it to finish, which in
// a real process means until the supervisor exits. If
// a restart was requested the process image is replaced with the same
// executable and arguments; descriptors in the ledger are closed except the
// inheritable ones. Otherwise a master exits with status 0 and a worker
// blocks until ctx is cancelled.
func (c *RestartController) Resolve(ctx context.Context) error {
	// The goroutine that started the shutdown also exits the process, and
	// must not be raced by a return from here.
	if c.supervisor.ShuttingDown() {
		<-c.supervisor.Done()
		return nil
	}

	if c.server.RestartRequested() {
		return c.restart()
	}

	if c.supervisor.Role() == config.RoleWorker {
		<-ctx.Done()
		return ctx.Err()
	}

	c.logger.Info("server stopped")
	c.supervisor.notify(Event{Event: EventStopped, PID: os.Getpid()})
	if err := c.ledger.Close(); err != nil {
		c.logger.Debug("failed to close descriptors", internallog.Error(err))
	}
	c.exit(0)
	return nil
}

func (c *RestartController) restart() error {
	if !c.supervisor.Teardown() {
		<-c.supervisor.Done()
		return nil
	}

	inherited, err := c.ledger.PrepareExec(c.logger)
	if err != nil {
		c.logger.Warn("some descriptors could not be handed over", internallog.Error(err))
	}

	path, err := c.executable()
	if err != nil {
		return c.fail(fmt.Errorf("failed to locate executable: %w", err))
	}

	next := c.generation + 1
	env := mergeEnv(c.environ(), append(inherited, EnvRestartGeneration+"="+strconv.Itoa(next)))

	c.logger.Info("restarting",
		slog.String("executable", path),
		slog.Int("generation", next),
		slog.Int("inherited", len(inherited)))
	c.supervisor.notify(Event{Event: EventRestart, PID: os.Getpid(), Generation: next})

	if err := c.exec(path, c.args, env); err != nil {
		return c.fail(fmt.Errorf("exec %s: %w", path, err))
	}
	return nil
}

func (c *RestartController) fail(err error) error {
	c.logger.Error("restart failed", internallog.Error(err))
	c.supervisor.notify(Event{Event: EventRestartFailed, PID: os.Getpid(), Error: err.Error()})
	c.exit(1)
	return errors.Join(ErrRestartFailed, err)
}

// ErrRestartFailed is returned when the process image could not be replaced.
var ErrRestartFailed = errors.New("restart failed")

// mergeEnv returns base with every key in extra replaced by extra's value.
func mergeEnv(base, extra []string) []string {
	override := make(map[string]bool, len(extra))
	for _, kv := range extra {
		override[envKey(kv)] = true
	}

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		if !override[envKey(kv)] {
			env = append(env, kv)
		}
	}
	return append(env, extra...)
}

func envKey(kv string) string {
	key, _, _ := strings.Cut(kv, "=")
	return key
}
