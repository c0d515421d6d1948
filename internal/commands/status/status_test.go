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


package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/keeper/internal/client"
	"github.com/tombee/keeper/internal/commands/shared"
	"github.com/tombee/keeper/internal/gateway"
)

func statusServer(t *testing.T) *client.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		json.NewEncoder(w).Encode(gateway.Status{
			Product:       "keeper",
			Version:       "1.2.3",
			PID:           4242,
			Role:          "master",
			InstanceID:    "instance-1",
			Generation:    2,
			UptimeSeconds: 90,
			Addr:          "127.0.0.1:8000",
		})
	}))
	t.Cleanup(srv.Close)

	c, err := client.New(client.WithHTTPClient(srv.Client()), client.WithBaseURL(srv.URL))
	require.NoError(t, err)
	return c
}

func TestRunStatus_Text(t *testing.T) {
	shared.SetJSONForTest(false)

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), &out, statusServer(t)))

	text := out.String()
	assert.Contains(t, text, "4242")
	assert.Contains(t, text, "master")
	assert.Contains(t, text, "instance-1")
	assert.Contains(t, text, "1m30s")
	assert.Contains(t, text, "running")
}

func TestRunStatus_JSON(t *testing.T) {
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), &out, statusServer(t)))

	var res statusResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "status", res.Command)
	assert.Equal(t, 4242, res.PID)
	assert.Equal(t, 2, res.Generation)
}

func TestRunStatus_NotRunning(t *testing.T) {
	c, err := client.New(client.WithTransport(client.NewUnixTransport(filepath.Join(t.TempDir(), "none.sock"))))
	require.NoError(t, err)

	err = runStatus(context.Background(), &bytes.Buffer{}, c)
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotRunning, shared.ExitCode(err))
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()
	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("timeout"))
}
