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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	keepererrors "github.com/tombee/keeper/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Role determines whether this process owns top-level teardown.
type Role string

const (
	// RoleMaster tears down the gateway during cleanup.
	RoleMaster Role = "master"
	// RoleWorker leaves gateway teardown to the master and waits to be
	// killed once its server stops.
	RoleWorker Role = "worker"
)

// Config represents the complete keeper configuration.
type Config struct {
	// Name is the product name. It prefixes crash reports and metric names.
	// Default: keeper
	Name string `yaml:"name"`

	// Role is the process role (master, worker).
	// Environment: KEEPER_ROLE
	// Default: master
	Role Role `yaml:"role"`

	// Bind describes where the service listens.
	Bind BindConfig `yaml:"bind"`

	// SSL configures TLS on the listener.
	SSL SSLConfig `yaml:"ssl"`

	// Log configures logging. Empty fields fall back to the environment.
	Log LogConfig `yaml:"log"`

	// PIDFile is written by background instances. Empty means no PID file.
	PIDFile string `yaml:"pid_file,omitempty"`

	// LogFile receives stdout/stderr of background instances.
	LogFile string `yaml:"log_file,omitempty"`

	// EventLog is a JSON-lines journal of lifecycle events. Empty keeps
	// events in memory only.
	EventLog string `yaml:"event_log,omitempty"`

	// CrashDir is where crash reports are written. The current directory is
	// used when it is not writable.
	// Default: /root
	CrashDir string `yaml:"crash_dir,omitempty"`

	// WatchConfig requests a restart whenever the config file changes.
	WatchConfig bool `yaml:"watch_config"`

	// ShutdownTimeout bounds the graceful stop that precedes a restart.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// RestartInterval is the minimum spacing between accepted restart
	// requests on the admin API.
	// Default: 5s
	RestartInterval time.Duration `yaml:"restart_interval,omitempty"`

	path string
}

// BindConfig is the raw bind section. Exactly one shape is expected:
// {path}, {socket}, or {host, port}.
type BindConfig struct {
	// Host is an IP address or hostname. A value starting with "/" is
	// treated as a unix socket path.
	// Environment: KEEPER_BIND_HOST
	Host string `yaml:"host,omitempty"`

	// Port is the TCP port. Zero picks an ephemeral port.
	// Environment: KEEPER_BIND_PORT
	Port int `yaml:"port,omitempty"`

	// Path is a unix socket path.
	// Environment: KEEPER_BIND_PATH
	Path string `yaml:"path,omitempty"`

	// Socket is either an absolute unix socket path or a host:port pair.
	Socket string `yaml:"socket,omitempty"`
}

// SSLConfig configures TLS.
type SSLConfig struct {
	// Enable turns on TLS.
	Enable bool `yaml:"enable"`

	// CertificatePath is a PEM file holding both the certificate chain and
	// the private key.
	CertificatePath string `yaml:"certificate_path,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format,omitempty"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Name: "keeper",
		Role: RoleMaster,
		Bind: BindConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		CrashDir:        "/root",
		ShutdownTimeout: 10 * time.Second,
		RestartInterval: 5 * time.Second,
	}
}

// Load reads configuration from path, applies environment overrides and
// validates the result. An empty path means the XDG default location; a
// missing file there is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		p, err := ConfigPath()
		if err == nil {
			configPath = p
		}
	}

	if configPath != "" {
		err := cfg.loadFromFile(configPath)
		switch {
		case err == nil:
			cfg.path = configPath
		case !explicit && errors.Is(err, os.ErrNotExist):
			// No config at the default location; run on defaults.
		default:
			return nil, &keepererrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &keepererrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// Path returns the file the configuration was loaded from, or "" when it
// was built from defaults only.
func (c *Config) Path() string {
	return c.path
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills zero values left by a minimal config file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Role == "" {
		c.Role = def.Role
	}
	if c.CrashDir == "" {
		c.CrashDir = def.CrashDir
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.RestartInterval == 0 {
		c.RestartInterval = def.RestartInterval
	}
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("KEEPER_ROLE"); val != "" {
		c.Role = Role(strings.ToLower(val))
	}

	if val := os.Getenv("KEEPER_BIND_PATH"); val != "" {
		c.Bind = BindConfig{Path: val}
	}
	if val := os.Getenv("KEEPER_BIND_HOST"); val != "" {
		c.Bind.Host = val
		c.Bind.Path = ""
		c.Bind.Socket = ""
	}
	if val := os.Getenv("KEEPER_BIND_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Bind.Port = port
		}
	}

	if val := os.Getenv("KEEPER_PID_FILE"); val != "" {
		c.PIDFile = val
	}
	if val := os.Getenv("KEEPER_CRASH_DIR"); val != "" {
		c.CrashDir = val
	}
}

// Validate checks the configuration for errors. The bind section is only
// checked for obviously bad values here; its shape is resolved by the
// listener package before any socket work.
func (c *Config) Validate() error {
	var errs []string

	if c.Role != RoleMaster && c.Role != RoleWorker {
		errs = append(errs, fmt.Sprintf("role must be one of [master, worker], got %q", c.Role))
	}

	if c.Bind.Port < 0 || c.Bind.Port > 65535 {
		errs = append(errs, fmt.Sprintf("bind.port must be between 0 and 65535, got %d", c.Bind.Port))
	}

	if c.SSL.Enable && c.SSL.CertificatePath == "" {
		errs = append(errs, "ssl.certificate_path is required when ssl.enable is true")
	}

	if c.Log.Level != "" {
		validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
		if !validLevels[strings.ToLower(c.Log.Level)] {
			errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
		}
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Sprintf("shutdown_timeout must be positive, got %v", c.ShutdownTimeout))
	}
	if c.RestartInterval < 0 {
		errs = append(errs, fmt.Sprintf("restart_interval must not be negative, got %v", c.RestartInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}
