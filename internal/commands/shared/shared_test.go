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

package shared

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	pkgerrors "github.com/tombee/keeper/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailure},
		{"exit error", &ExitError{Code: 7, Message: "custom"}, 7},
		{"config error", &pkgerrors.ConfigError{Key: "bind", Reason: "bad"}, ExitConfig},
		{"wrapped config error", fmt.Errorf("load: %w", &pkgerrors.ConfigError{Key: "role"}), ExitConfig},
		{"config helper", NewConfigError("bad config", errors.New("yaml")), ExitConfig},
		{"not running", NewNotRunningError(errors.New("refused")), ExitNotRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("permission denied")
	err := &ExitError{Code: ExitFailure, Message: "failed to stop", Cause: cause}

	if err.Error() != "failed to stop: permission denied" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, errors.New("no such pid"))

	if !strings.Contains(buf.String(), "Error: no such pid") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestEmitJSON(t *testing.T) {
	var buf bytes.Buffer
	err := EmitJSON(&buf, JSONResponse{Version: "1.0", Command: "stop", Success: true})
	if err != nil {
		t.Fatalf("EmitJSON() error = %v", err)
	}
	if !strings.Contains(buf.String(), `"command": "stop"`) {
		t.Errorf("unexpected output %q", buf.String())
	}
}
