// Package observe provides the broker's observability primitives: an
// OpenTelemetry metrics surface with a Prometheus exporter bridge so the
// status listener can serve a standard /metrics endpoint.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all broker metrics.
const meterName = "github.com/mcpbroker/mcpbroker"

// Metrics holds the broker's metric instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// SchemaFallbacks counts tool schema properties that could not be
	// represented and fell back to {"type":"string"}. A rising rate means
	// downstream schemas are drifting past what the simplifier understands.
	SchemaFallbacks metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolCallDuration tracks end-to-end tool call latency per server.
	ToolCallDuration metric.Float64Histogram

	// DownstreamReconnects counts reconnect attempts. Use with attributes:
	//   attribute.String("server", ...), attribute.String("outcome", ...)
	DownstreamReconnects metric.Int64Counter

	// DownstreamsActive tracks the number of ready downstream clients.
	DownstreamsActive metric.Int64UpDownCounter

	// SessionsActive tracks the number of connected client sessions.
	SessionsActive metric.Int64UpDownCounter

	// ToolCacheLookups counts aggregator cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	ToolCacheLookups metric.Int64Counter
}

// latencyBuckets covers tool calls up to their 30 s deadline.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
// Tests should pass a private provider to avoid cross-test pollution.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SchemaFallbacks, err = m.Int64Counter("mcpbroker.schema.fallbacks",
		metric.WithDescription("Tool schema properties reduced to the string fallback."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("mcpbroker.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("mcpbroker.tool.call.duration",
		metric.WithDescription("Latency of routed tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DownstreamReconnects, err = m.Int64Counter("mcpbroker.downstream.reconnects",
		metric.WithDescription("Reconnect attempts by server and outcome."),
	); err != nil {
		return nil, err
	}
	if met.DownstreamsActive, err = m.Int64UpDownCounter("mcpbroker.downstreams.active",
		metric.WithDescription("Number of ready downstream clients."),
	); err != nil {
		return nil, err
	}
	if met.SessionsActive, err = m.Int64UpDownCounter("mcpbroker.sessions.active",
		metric.WithDescription("Number of connected client sessions."),
	); err != nil {
		return nil, err
	}
	if met.ToolCacheLookups, err = m.Int64Counter("mcpbroker.toolcache.lookups",
		metric.WithDescription("Aggregator catalog cache lookups by result."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSchemaFallback records one property falling through to the default
// string schema.
func (m *Metrics) RecordSchemaFallback(ctx context.Context, server, tool string) {
	m.SchemaFallbacks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("tool", tool),
		),
	)
}

// RecordToolCall records one routed tool call with its outcome and latency.
func (m *Metrics) RecordToolCall(ctx context.Context, server, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolCallDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("server", server)),
	)
}

// RecordReconnect records one reconnect attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, server, outcome string) {
	m.DownstreamReconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordCacheLookup records an aggregator cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.ToolCacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}
