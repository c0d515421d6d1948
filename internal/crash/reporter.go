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

// Package crash writes crash reports for errors and panics that escape the
// daemon's run loop.
package crash

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	internallog "github.com/tombee/keeper/internal/log"
)

// DefaultDir is where reports go when no crash directory is configured.
const DefaultDir = "/root"

// Reporter writes crash reports.
type Reporter struct {
	Product string
	Version string

	// Dir is the preferred report directory. The working directory is the
	// fallback when writing there fails.
	Dir string

	Logger *slog.Logger

	// Args and PID default to the current process.
	Args []string
	PID  int

	now func() time.Time
}

// NewReporter creates a reporter for the current process.
func NewReporter(product, version, dir string, logger *slog.Logger) *Reporter {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = internallog.Discard()
	}
	return &Reporter{
		Product: product,
		Version: version,
		Dir:     dir,
		Logger:  internallog.WithComponent(logger, "crash"),
		Args:    os.Args,
		PID:     os.Getpid(),
		now:     time.Now,
	}
}

func (r *Reporter) product() string {
	if r.Product == "" {
		return "keeper"
	}
	return r.Product
}

// FileName is the name of the report file.
func (r *Reporter) FileName() string {
	return r.product() + "-crash.txt"
}

// Report writes a report for err and returns the path it was written to.
// stack may be nil, in which case the current goroutine's stack is used.
func (r *Reporter) Report(err error, stack []byte) (string, error) {
	if stack == nil {
		stack = currentStack()
	}
	body := r.render(err, stack)

	path := filepath.Join(r.Dir, r.FileName())
	writeErr := renameio.WriteFile(path, body, 0600)
	if writeErr == nil {
		r.Logger.Error("crash report written", slog.String("path", path), internallog.Error(err))
		return path, nil
	}

	r.Logger.Warn("could not write crash report, using working directory",
		slog.String("path", path), internallog.Error(writeErr))

	fallback, absErr := filepath.Abs(r.FileName())
	if absErr != nil {
		fallback = r.FileName()
	}
	if err := renameio.WriteFile(fallback, body, 0600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	r.Logger.Error("crash report written", slog.String("path", fallback), internallog.Error(err))
	return fallback, nil
}

func (r *Reporter) render(err error, stack []byte) []byte {
	now := time.Now
	if r.now != nil {
		now = r.now
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s crash report\n\n", r.product())
	fmt.Fprintf(&b, "Time:     %s\n", now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Version:  %s\n", r.Version)
	fmt.Fprintf(&b, "Platform: %s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	fmt.Fprintf(&b, "PID:      %d\n", r.PID)
	fmt.Fprintf(&b, "Args:     %s\n", strings.Join(r.Args, " "))
	b.WriteString("\nError:\n")
	if err != nil {
		b.WriteString(err.Error())
	} else {
		b.WriteString("<nil>")
	}
	b.WriteString("\n\nStack:\n")
	b.Write(stack)
	if len(stack) > 0 && stack[len(stack)-1] != '\n' {
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func currentStack() []byte {
	buf := make([]byte, 64<<10)
	return buf[:runtime.Stack(buf, false)]
}

// PanicError wraps a recovered panic value and the stack it was raised on.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
