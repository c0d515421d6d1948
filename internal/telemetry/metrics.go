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

package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tombee/keeper/internal/lifecycle"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records lifecycle and HTTP metrics. It implements
// lifecycle.Observer.
type Metrics struct {
	started    time.Time
	generation int64
	streams    atomic.Int64

	signalsTotal  metric.Int64Counter
	reapedTotal   metric.Int64Counter
	restartsTotal metric.Int64Counter
	requestsTotal metric.Int64Counter

	requestDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the given meter provider. Metric
// names are prefixed with product.
func NewMetrics(meterProvider metric.MeterProvider, product string, generation int) (*Metrics, error) {
	product = metricPrefix(product)
	meter := meterProvider.Meter(product)
	m := &Metrics{
		started:    time.Now(),
		generation: int64(generation),
	}

	var err error

	m.signalsTotal, err = meter.Int64Counter(
		product+"_signals",
		metric.WithDescription("Signals received by the supervisor"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, err
	}

	m.reapedTotal, err = meter.Int64Counter(
		product+"_descendants_reaped",
		metric.WithDescription("Descendant processes killed during teardown"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, err
	}

	m.restartsTotal, err = meter.Int64Counter(
		product+"_restarts",
		metric.WithDescription("Restart attempts by outcome"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestsTotal, err = meter.Int64Counter(
		product+"_http_requests",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		product+"_http_request_duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Float64ObservableGauge(
		product+"_uptime",
		metric.WithDescription("Seconds since this process image started"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(ctx context.Context, observer metric.Float64Observer) error {
			observer.Observe(time.Since(m.started).Seconds())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		product+"_restart_generation",
		metric.WithDescription("Number of warm restarts behind this process image"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(m.generation)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		product+"_event_streams",
		metric.WithDescription("Open lifecycle event streams"),
		metric.WithUnit("{stream}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(m.streams.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observe records a lifecycle event.
func (m *Metrics) Observe(e lifecycle.Event) {
	ctx := context.Background()

	switch e.Event {
	case lifecycle.EventSignal:
		m.signalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", e.Signal)))
	case lifecycle.EventReaped:
		m.reapedTotal.Add(ctx, int64(e.Count))
	case lifecycle.EventRestart:
		m.restartsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "exec")))
	case lifecycle.EventRestartFailed:
		m.restartsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
	case lifecycle.EventRestartRequested:
		m.restartsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "requested")))
	}
}

// StreamOpened marks an event stream as open.
func (m *Metrics) StreamOpened() { m.streams.Add(1) }

// StreamClosed marks an event stream as closed.
func (m *Metrics) StreamClosed() { m.streams.Add(-1) }

// Middleware counts and times requests served by next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(rec, r)

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("code", strconv.Itoa(rec.code)),
		)
		m.requestsTotal.Add(r.Context(), 1, attrs)
		m.requestDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
	})
}

// metricPrefix maps a product name onto the metric name alphabet.
func metricPrefix(product string) string {
	if product == "" {
		return "keeper"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, product)
}

type codeRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (r *codeRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.code = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *codeRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *codeRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
