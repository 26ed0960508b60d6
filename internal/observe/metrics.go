// Package observe provides OpenTelemetry metrics, tracing, and a trace-aware
// slog logger for bpchat.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus so /metrics can be scraped. Tests should build
// [Metrics] with [NewMetrics] and a ManualReader-backed provider.
//
// Every Record method is safe to call on a nil *Metrics.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bpchat metrics.
const meterName = "github.com/A2gent/bpchat"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// TurnDuration tracks a whole engine run, from the user message to the
	// final answer or failure. Attribute: outcome.
	TurnDuration metric.Float64Histogram

	// ModelDuration tracks a single model request.
	ModelDuration metric.Float64Histogram

	// ModelRequests counts model requests. Attribute: status.
	ModelRequests metric.Int64Counter

	// ToolDuration tracks a single tool dispatch.
	ToolDuration metric.Float64Histogram

	// ToolCalls counts tool dispatches. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// HTTPRequestDuration tracks API request handling. Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("bpchat.turn.duration",
		metric.WithDescription("Duration of a conversation run including tool rounds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelDuration, err = m.Float64Histogram("bpchat.model.duration",
		metric.WithDescription("Latency of a single model request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelRequests, err = m.Int64Counter("bpchat.model.requests",
		metric.WithDescription("Number of model requests by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("bpchat.tool.duration",
		metric.WithDescription("Latency of a single tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("bpchat.tool.calls",
		metric.WithDescription("Number of tool dispatches by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("bpchat.http.request.duration",
		metric.WithDescription("Duration of HTTP API requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordTurn records the duration of an engine run with its outcome
// ("ok" or an error kind).
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordModelRequest records one model request.
func (m *Metrics) RecordModelRequest(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ModelDuration.Record(ctx, d.Seconds())
	m.ModelRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordToolCall records one tool dispatch.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, d time.Duration, status string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
	m.ToolCalls.Add(ctx, 1, attrs)
}
