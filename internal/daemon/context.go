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

// Package daemon bootstraps keeper: it binds or inherits the listener,
// assembles the server and its supervisor, serves, and decides between
// exit and restart once serving ends.
package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/tombee/keeper/internal/config"
	"github.com/tombee/keeper/internal/lifecycle"
	internallog "github.com/tombee/keeper/internal/log"
	"github.com/tombee/keeper/internal/telemetry"
	"golang.org/x/text/language"
)

// BuildInfo is version metadata injected at build time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Context is the per-process service context. It is built once during
// bootstrap and passed to every component that needs it.
type Context struct {
	Config *config.Config
	Logger *slog.Logger

	Role       config.Role
	Product    string
	Version    string
	InstanceID string
	Locale     language.Tag
	Generation int

	// Ledger records descriptors to close or hand over on restart.
	Ledger *lifecycle.Ledger

	// Events and Metrics are set once bootstrap created them.
	Events    *lifecycle.EventLog
	Telemetry *telemetry.Provider
}

// NewContext creates the service context for cfg.
func NewContext(cfg *config.Config, info BuildInfo, logger *slog.Logger) *Context {
	if logger == nil {
		logger = internallog.Discard()
	}

	locale, err := detectLocale(os.Getenv)
	if err != nil {
		logger.Warn("couldn't set default locale", internallog.Error(err))
	}

	return &Context{
		Config:     cfg,
		Logger:     logger,
		Role:       cfg.Role,
		Product:    cfg.Name,
		Version:    info.Version,
		InstanceID: uuid.NewString(),
		Locale:     locale,
		Generation: lifecycle.Generation(),
		Ledger:     lifecycle.NewLedger(),
	}
}

// LocaleName returns the detected locale as a BCP 47 tag, or "" when none
// was detected.
func (c *Context) LocaleName() string {
	if c.Locale == language.Und {
		return ""
	}
	return c.Locale.String()
}

// detectLocale reads the process locale from the POSIX locale variables in
// order of precedence. The C and POSIX locales map to language.Und.
func detectLocale(getenv func(string) string) (language.Tag, error) {
	var value string
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := getenv(key); v != "" {
			value = v
			break
		}
	}

	// Strip codeset and modifier: en_GB.UTF-8@euro -> en_GB
	name := value
	if i := strings.IndexAny(name, ".@"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "C" || name == "POSIX" {
		return language.Und, nil
	}

	tag, err := language.Parse(strings.ReplaceAll(name, "_", "-"))
	if err != nil {
		return language.Und, fmt.Errorf("unsupported locale %q: %w", value, err)
	}
	return tag, nil
}
