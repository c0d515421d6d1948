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

// Package server runs keeper's HTTP service over a single listener.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	internallog "github.com/tombee/keeper/internal/log"
	keepererrors "github.com/tombee/keeper/pkg/errors"
)

// Destroyer is the gateway teardown hook.
type Destroyer interface {
	Destroy()
}

// Options configures a Server.
type Options struct {
	// CertificatePath enables TLS. The file holds the certificate chain and
	// the private key in PEM form.
	CertificatePath string

	// Gateway is torn down by Destroy. It may be nil.
	Gateway Destroyer

	// ShutdownTimeout bounds a graceful stop. Default: 10s
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server serves HTTP on one listener until it is stopped. It carries the
// restart marker read after Serve returns.
type Server struct {
	ln              net.Listener
	http            *http.Server
	gateway         Destroyer
	logger          *slog.Logger
	shutdownTimeout time.Duration
	tls             bool

	restart atomic.Bool
}

// New creates a server for handler on ln.
func New(ln net.Listener, handler http.Handler, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = internallog.Discard()
	}
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Server{
		ln:              ln,
		gateway:         opts.Gateway,
		logger:          internallog.WithComponent(logger, "server"),
		shutdownTimeout: timeout,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		},
	}

	if opts.CertificatePath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertificatePath, opts.CertificatePath)
		if err != nil {
			return nil, &keepererrors.ConfigError{
				Key:    "ssl.certificate_path",
				Reason: "cannot load certificate and key from " + opts.CertificatePath,
				Cause:  err,
			}
		}
		s.http.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		s.tls = true
	}

	return s, nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// TLS reports whether the server terminates TLS.
func (s *Server) TLS() bool {
	return s.tls
}

// Serve blocks until the server is stopped or destroyed. A stop is not an
// error.
func (s *Server) Serve() error {
	s.logger.Info("serving",
		slog.String(internallog.AddrKey, s.ln.Addr().String()),
		slog.Bool("tls", s.tls))

	var err error
	if s.tls {
		err = s.http.ServeTLS(s.ln, "", "")
	} else {
		err = s.http.Serve(s.ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RequestRestart sets the restart marker and stops the server in the
// background so the caller, typically a request handler, can return.
func (s *Server) RequestRestart() {
	if s.restart.Swap(true) {
		return
	}
	s.logger.Info("restart requested")

	go func() {
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("graceful stop before restart failed", internallog.Error(err))
		}
	}()
}

// RestartRequested reports whether RequestRestart was called.
func (s *Server) RestartRequested() bool {
	return s.restart.Load()
}

// Stop stops accepting connections and waits for active requests, up to
// the shutdown timeout. Connections still open after that are closed.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.http.Close()
		return err
	}
	return nil
}

// Destroy tears down the gateway and closes the server and every open
// connection immediately.
func (s *Server) Destroy() {
	if s.gateway != nil {
		s.gateway.Destroy()
	}
	if err := s.http.Close(); err != nil {
		s.logger.Debug("close failed", internallog.Error(err))
	}
}
