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
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
	internallog "github.com/tombee/keeper/internal/log"
	"golang.org/x/sys/unix"
)

// DescendantReaper kills the whole process tree below a pid.
type DescendantReaper struct {
	logger *slog.Logger

	// kill and getpgid are replaced in tests.
	kill    func(pid int, sig syscall.Signal) error
	getpgid func(pid int) (int, error)
}

// NewReaper creates a reaper that signals real processes.
func NewReaper(logger *slog.Logger) *DescendantReaper {
	if logger == nil {
		logger = internallog.Discard()
	}
	return &DescendantReaper{
		logger:  internallog.WithComponent(logger, "reaper"),
		kill:    unix.Kill,
		getpgid: unix.Getpgid,
	}
}

// Descendants snapshots the process tree below pid. Parents are listed
// before their children.
func (r *DescendantReaper) Descendants(ctx context.Context, pid int) ([]int, error) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}

	var pids []int
	seen := map[int32]bool{root.Pid: true}
	queue := []*process.Process{root}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			if errors.Is(err, process.ErrorNoChildren) || p != root {
				// A child may exit between the listing and the walk.
				continue
			}
			return nil, fmt.Errorf("failed to list children of %d: %w", pid, err)
		}

		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			pids = append(pids, int(c.Pid))
			queue = append(queue, c)
		}
	}

	return pids, nil
}

// Reap sends SIGTERM and then SIGKILL to every descendant of pid. SIGKILL
// goes to the descendant's process group unless it shares the group of pid.
// It does not wait for the processes to exit. It returns the number of
// descendants it signalled.
func (r *DescendantReaper) Reap(ctx context.Context, pid int) (int, error) {
	pids, err := r.Descendants(ctx, pid)
	if err != nil {
		return 0, err
	}

	ownGroup, err := r.getpgid(pid)
	if err != nil {
		ownGroup = -1
	}

	for _, child := range pids {
		internallog.Trace(r.logger, "reaping descendant", slog.Int(internallog.PIDKey, child))

		r.signal(child, syscall.SIGTERM)

		pgid, err := r.getpgid(child)
		if err != nil || pgid <= 1 || pgid == ownGroup {
			r.signal(child, syscall.SIGKILL)
			continue
		}
		r.signal(-pgid, syscall.SIGKILL)
	}

	return len(pids), nil
}

func (r *DescendantReaper) signal(target int, sig syscall.Signal) {
	err := r.kill(target, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return
	}
	r.logger.Debug("failed to signal descendant",
		slog.Int(internallog.PIDKey, target),
		slog.String(internallog.SignalKey, sig.String()),
		internallog.Error(err))
}
