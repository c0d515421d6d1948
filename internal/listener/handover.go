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

package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// EnvListenFD names the environment variable that carries the inherited
// listener descriptor into a re-executed process image.
const EnvListenFD = "KEEPER_LISTEN_FD"

// ErrNotFiler is returned for listeners that cannot expose their descriptor.
var ErrNotFiler = errors.New("listener does not expose its file descriptor")

type filer interface {
	File() (*os.File, error)
}

// Handover keeps a duplicate of the listening descriptor so the socket stays
// open after the server closes its own copy, and can be passed across exec.
type Handover struct {
	file *os.File
	addr string
}

// NewHandover duplicates the descriptor behind ln.
func NewHandover(ln net.Listener) (*Handover, error) {
	f, ok := ln.(filer)
	if !ok {
		return nil, fmt.Errorf("%T: %w", ln, ErrNotFiler)
	}

	file, err := f.File()
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate listener descriptor: %w", err)
	}

	return &Handover{file: file, addr: ln.Addr().String()}, nil
}

// Name identifies the handover in the descriptor ledger.
func (h *Handover) Name() string {
	return "listener " + h.addr
}

// PrepareExec clears close-on-exec on the duplicate and returns the
// environment entry that tells the next image where to find it.
func (h *Handover) PrepareExec() (string, error) {
	fd := int(h.file.Fd())

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return "", os.NewSyscallError("fcntl F_GETFD", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC); err != nil {
		return "", os.NewSyscallError("fcntl F_SETFD", err)
	}

	return EnvListenFD + "=" + strconv.Itoa(fd), nil
}

// Close releases the duplicate.
func (h *Handover) Close() error {
	return h.file.Close()
}

// Inherit adopts a listener passed in by a previous process image. It
// reports false when no listener was passed. The environment variable is
// removed so descendants do not see it.
func Inherit() (net.Listener, bool, error) {
	val, ok := os.LookupEnv(EnvListenFD)
	if !ok {
		return nil, false, nil
	}
	os.Unsetenv(EnvListenFD)

	fd, err := strconv.Atoi(val)
	if err != nil || fd < 3 {
		return nil, true, fmt.Errorf("invalid %s value %q", EnvListenFD, val)
	}

	unix.CloseOnExec(fd)
	ln, err := fileListener(fd, "inherited")
	if err != nil {
		return nil, true, err
	}

	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}

	return ln, true, nil
}
