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

// Package listener resolves bind configuration and creates the service's
// listening socket.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"syscall"

	internallog "github.com/tombee/keeper/internal/log"
	"golang.org/x/sys/unix"
)

// Backlog is the listen queue length for every listener.
const Backlog = 10

// BindError is returned when the socket cannot be bound or put into the
// listening state. It is fatal at startup.
type BindError struct {
	Addr  string
	Cause error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("could not bind to %s: %v", e.Addr, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BindError) Unwrap() error {
	return e.Cause
}

// Listen creates a bound, listening socket for spec.
//
// For a unix path, a stale file at the path is removed first; failing to
// remove it is only a warning. For an inet endpoint SO_REUSEADDR is set so a
// restart can rebind immediately, and TCP_CORK is attempted where supported.
func Listen(ctx context.Context, spec BindSpec, logger *slog.Logger) (net.Listener, error) {
	if logger == nil {
		logger = internallog.Discard()
	}

	switch spec.Kind {
	case KindUnix:
		return listenUnix(spec.Path, logger)
	case KindInet:
		return listenInet(ctx, spec, logger)
	default:
		return nil, fmt.Errorf("unknown bind kind %d", spec.Kind)
	}
}

func listenUnix(path string, logger *slog.Logger) (net.Listener, error) {
	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove stale socket file",
				slog.String(internallog.AddrKey, path),
				internallog.Error(err))
		}
	}

	fd, err := newSocket(unix.AF_UNIX)
	if err != nil {
		return nil, err
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, &BindError{Addr: path, Cause: os.NewSyscallError("bind", err)}
	}

	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return nil, &BindError{Addr: path, Cause: os.NewSyscallError("listen", err)}
	}

	ln, err := fileListener(fd, "unix:"+path)
	if err != nil {
		return nil, err
	}

	// The socket path must survive a warm restart; a stale file is
	// cleaned up by the next cold start instead.
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}

	return ln, nil
}

func listenInet(ctx context.Context, spec BindSpec, logger *slog.Logger) (net.Listener, error) {
	addr := spec.String()

	sa, domain, err := sockaddr(ctx, spec)
	if err != nil {
		return nil, &BindError{Addr: addr, Cause: err}
	}

	fd, err := newSocket(domain)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt SO_REUSEADDR", err)
	}

	if corkSupported {
		if err := setCork(fd); err != nil {
			logger.Warn("could not set TCP_CORK",
				slog.String(internallog.AddrKey, addr),
				internallog.Error(err))
		}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, &BindError{Addr: addr, Cause: os.NewSyscallError("bind", err)}
	}

	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return nil, &BindError{Addr: addr, Cause: os.NewSyscallError("listen", err)}
	}

	return fileListener(fd, "tcp:"+addr)
}

// newSocket creates a close-on-exec stream socket.
func newSocket(domain int) (int, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// fileListener hands a raw listening descriptor to the net package. The raw
// descriptor is closed once net has its own duplicate.
func fileListener(fd int, name string) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap listener %s: %w", name, err)
	}
	return ln, nil
}

// sockaddr resolves the endpoint into a socket address of the family the
// spec asks for.
func sockaddr(ctx context.Context, spec BindSpec) (unix.Sockaddr, int, error) {
	ip, err := resolveHost(ctx, spec)
	if err != nil {
		return nil, 0, err
	}

	if spec.Family == IPv6 {
		sa := &unix.SockaddrInet6{Port: spec.Port, Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			if ifi, err := net.InterfaceByName(zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, unix.AF_INET6, nil
	}

	return &unix.SockaddrInet4{Port: spec.Port, Addr: ip.As4()}, unix.AF_INET, nil
}

var errNoAddress = errors.New("no address of the requested family")

func resolveHost(ctx context.Context, spec BindSpec) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(spec.Host); err == nil {
		if spec.Family == IPv4 && !ip.Unmap().Is4() {
			return netip.Addr{}, fmt.Errorf("%s: %w", spec.Host, errNoAddress)
		}
		if spec.Family == IPv4 {
			return ip.Unmap(), nil
		}
		return ip, nil
	}

	network := "ip4"
	if spec.Family == IPv6 {
		network = "ip6"
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, spec.Host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%s: %w", spec.Host, errNoAddress)
	}

	if spec.Family == IPv4 {
		return addrs[0].Unmap(), nil
	}
	return addrs[0], nil
}
