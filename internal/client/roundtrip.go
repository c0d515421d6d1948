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
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
	internallog "github.com/tombee/keeper/internal/log"
)

// headerTransport stamps every request with a User-Agent and a request id so
// the server log can be matched to the CLI invocation.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if req.Header.Get(internallog.RequestIDHeader) == "" {
		req.Header.Set(internallog.RequestIDHeader, uuid.NewString())
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", req.Header.Get(internallog.RequestIDHeader),
		internallog.DurationKey, time.Since(start).Milliseconds(),
	}
	if err != nil {
		t.logger.Debug("admin request failed", append(attrs, internallog.Error(err))...)
	} else {
		t.logger.Debug("admin request", append(attrs, "status", resp.StatusCode)...)
	}
	return resp, err
}

// retryTransport retries idempotent requests while nothing is accepting on
// the socket, as happens while a daemonized instance is still binding.
// HTTP error statuses are returned as-is.
type retryTransport struct {
	base        http.RoundTripper
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return t.base.RoundTrip(req)
	}

	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(t.backoff(attempt - 1)):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		resp, err := t.base.RoundTrip(req)
		if err == nil || !IsNotRunning(err) {
			return resp, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// backoff is base * 2^(n-1) capped at maxBackoff, plus up to 20% jitter.
func (t *retryTransport) backoff(n int) time.Duration {
	d := float64(t.baseBackoff) * math.Pow(2, float64(n-1))
	if d > float64(t.maxBackoff) {
		d = float64(t.maxBackoff)
	}
	return time.Duration(d + rand.Float64()*d*0.2)
}
