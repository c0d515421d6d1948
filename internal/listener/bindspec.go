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
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tombee/keeper/internal/config"
	keepererrors "github.com/tombee/keeper/pkg/errors"
)

// Kind tags a BindSpec.
type Kind int

const (
	// KindUnix is a filesystem-path unix-domain socket.
	KindUnix Kind = iota
	// KindInet is a TCP endpoint.
	KindInet
)

// Family is the address family of an inet endpoint.
type Family int

const (
	// IPv4 selects AF_INET.
	IPv4 Family = iota
	// IPv6 selects AF_INET6.
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// BindSpec is a normalized description of where the service listens.
// It is either a unix path or an inet host/port with a family.
type BindSpec struct {
	Kind   Kind
	Path   string
	Host   string
	Port   int
	Family Family
}

// UnixPath returns a BindSpec for a unix socket at path.
func UnixPath(path string) BindSpec {
	return BindSpec{Kind: KindUnix, Path: path}
}

// InetEndpoint returns a BindSpec for host:port. The family is IPv6 iff the
// host contains a colon.
func InetEndpoint(host string, port int) BindSpec {
	return BindSpec{
		Kind:   KindInet,
		Host:   host,
		Port:   port,
		Family: FamilyOf(host),
	}
}

// FamilyOf reports the address family implied by the host string.
func FamilyOf(host string) Family {
	if strings.Contains(host, ":") {
		return IPv6
	}
	return IPv4
}

// String renders the spec as an address suitable for logs.
func (s BindSpec) String() string {
	if s.Kind == KindUnix {
		return s.Path
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Resolve turns a bind section into a BindSpec. It performs no I/O.
//
// Precedence: path, then socket (an absolute path or a host:port pair),
// then host (a value starting with "/" is a socket path) with port.
func Resolve(cfg config.BindConfig) (BindSpec, error) {
	switch {
	case cfg.Path != "":
		return UnixPath(cfg.Path), nil

	case cfg.Socket != "":
		if strings.HasPrefix(cfg.Socket, "/") {
			return UnixPath(cfg.Socket), nil
		}
		host, portStr, err := net.SplitHostPort(cfg.Socket)
		if err != nil {
			return BindSpec{}, &keepererrors.ConfigError{
				Key:    "bind.socket",
				Reason: fmt.Sprintf("%q is neither an absolute path nor host:port", cfg.Socket),
				Cause:  err,
			}
		}
		port, err := parsePort(portStr)
		if err != nil || host == "" {
			return BindSpec{}, &keepererrors.ConfigError{
				Key:    "bind.socket",
				Reason: fmt.Sprintf("invalid endpoint %q", cfg.Socket),
				Cause:  err,
			}
		}
		return InetEndpoint(host, port), nil

	case strings.HasPrefix(cfg.Host, "/"):
		return UnixPath(cfg.Host), nil

	case cfg.Host != "":
		if cfg.Port < 0 || cfg.Port > 65535 {
			return BindSpec{}, &keepererrors.ConfigError{
				Key:    "bind.port",
				Reason: fmt.Sprintf("port %d out of range", cfg.Port),
			}
		}
		return InetEndpoint(cfg.Host, cfg.Port), nil
	}

	return BindSpec{}, &keepererrors.ConfigError{
		Key:    "bind",
		Reason: "expected one of {path}, {socket} or {host, port}",
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
