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


package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/tombee/keeper/internal/config"
	"github.com/tombee/keeper/internal/listener"
)

// HostEnv overrides the address derived from the config file.
const HostEnv = "KEEPER_HOST"

// ParseHost parses a KEEPER_HOST value into a transport.
// Supports:
//   - unix:///path/to/socket
//   - tcp://host:port
//   - https://host:port
func ParseHost(host string) (*Transport, error) {
	switch {
	case strings.HasPrefix(host, "unix://"):
		return NewUnixTransport(strings.TrimPrefix(host, "unix://")), nil
	case strings.HasPrefix(host, "tcp://"):
		return NewTCPTransport(strings.TrimPrefix(host, "tcp://")), nil
	case strings.HasPrefix(host, "https://"):
		return NewTLSTransport(strings.TrimPrefix(host, "https://"), nil), nil
	default:
		return nil, fmt.Errorf("invalid %s format: %s (must start with unix://, tcp://, or https://)", HostEnv, host)
	}
}

// TransportFor returns a transport that reaches the listener described by
// the bind section of cfg. Unspecified hosts are dialled on localhost.
func TransportFor(cfg *config.Config) (*Transport, error) {
	spec, err := listener.Resolve(cfg.Bind)
	if err != nil {
		return nil, err
	}
	if spec.Kind == listener.KindUnix {
		return NewUnixTransport(spec.Path), nil
	}

	if spec.Port == 0 {
		return nil, fmt.Errorf("bind port 0 is ephemeral; set %s to reach keeperd", HostEnv)
	}
	host := spec.Host
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "localhost"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(spec.Port))
	if cfg.SSL.Enable {
		return NewTLSTransport(addr, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}), nil
	}
	return NewTCPTransport(addr), nil
}

// FromConfig creates a client for the keeperd configured by cfg. KEEPER_HOST
// takes precedence when set.
func FromConfig(cfg *config.Config, opts ...Option) (*Client, error) {
	var (
		transport *Transport
		err       error
	)
	if host := os.Getenv(HostEnv); host != "" {
		transport, err = ParseHost(host)
	} else {
		transport, err = TransportFor(cfg)
	}
	if err != nil {
		return nil, err
	}
	return New(append([]Option{WithTransport(transport)}, opts...)...)
}

// NotRunningError indicates nothing is listening at the configured address.
type NotRunningError struct {
	Addr string
	Err  error
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("keeperd is not running (address: %s)", e.Addr)
}

func (e *NotRunningError) Unwrap() error {
	return e.Err
}

// IsNotRunning checks if an error indicates keeperd is not running.
func IsNotRunning(err error) bool {
	if err == nil {
		return false
	}
	var nr *NotRunningError
	if errors.As(err, &nr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}
