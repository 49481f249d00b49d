package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordSessionOutcome does nothing.
func (NoopMetrics) RecordSessionOutcome(_ context.Context, _ string, _ string, _ time.Duration) {}

// RecordFragment does nothing.
func (NoopMetrics) RecordFragment(_ context.Context, _ string, _ int64) {}

// RecordPoll does nothing.
func (NoopMetrics) RecordPoll(_ context.Context, _ bool, _ time.Duration) {}

// RecordDecision does nothing.
func (NoopMetrics) RecordDecision(_ context.Context, _ string) {}

// RecordPromptTokens does nothing.
func (NoopMetrics) RecordPromptTokens(_ context.Context, _ string, _ int64) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
// We use the OTel noop package for a proper no-op span implementation.
var noopSpan = noop.Span{}

// StartSessionSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartSessionSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
