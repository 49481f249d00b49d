package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSessionOutcome records a session reaching a terminal state.
	RecordSessionOutcome(ctx context.Context, state string, reason string, duration time.Duration)

	// RecordFragment records one applied fragment and its size in bytes.
	RecordFragment(ctx context.Context, target string, sizeBytes int64)

	// RecordPoll records a pipeline status poll and whether it succeeded.
	RecordPoll(ctx context.Context, success bool, duration time.Duration)

	// RecordDecision records the terminal action taken on a decision point.
	RecordDecision(ctx context.Context, outcome string)

	// RecordPromptTokens records the estimated prompt size of a request.
	RecordPromptTokens(ctx context.Context, kind string, tokens int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	sessionOutcomes metric.Int64Counter
	sessionLatency  metric.Float64Histogram
	fragments       metric.Int64Counter
	fragmentBytes   metric.Int64Histogram
	polls           metric.Int64Counter
	pollLatency     metric.Float64Histogram
	decisions       metric.Int64Counter
	promptTokens    metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("storyweave")

	sessionOutcomes, err := meter.Int64Counter("storyweave.session.outcomes",
		metric.WithDescription("Number of sessions reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	sessionLatency, err := meter.Float64Histogram("storyweave.session.latency_ms",
		metric.WithDescription("Session duration from start to terminal state"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	fragments, err := meter.Int64Counter("storyweave.stream.fragments",
		metric.WithDescription("Number of applied stream fragments"),
	)
	if err != nil {
		return nil, err
	}

	fragmentBytes, err := meter.Int64Histogram("storyweave.stream.fragment_bytes",
		metric.WithDescription("Applied fragment size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	polls, err := meter.Int64Counter("storyweave.pipeline.polls",
		metric.WithDescription("Number of pipeline status polls"),
	)
	if err != nil {
		return nil, err
	}

	pollLatency, err := meter.Float64Histogram("storyweave.pipeline.poll_latency_ms",
		metric.WithDescription("Pipeline status poll latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	decisions, err := meter.Int64Counter("storyweave.decision.outcomes",
		metric.WithDescription("Number of decision points reaching a terminal action"),
	)
	if err != nil {
		return nil, err
	}

	promptTokens, err := meter.Int64Histogram("storyweave.generation.prompt_tokens",
		metric.WithDescription("Estimated prompt size of issued generation requests"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		sessionOutcomes: sessionOutcomes,
		sessionLatency:  sessionLatency,
		fragments:       fragments,
		fragmentBytes:   fragmentBytes,
		polls:           polls,
		pollLatency:     pollLatency,
		decisions:       decisions,
		promptTokens:    promptTokens,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder and logs the
// failure.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()),
		)
		return NoopMetrics{}
	}
	return m
}

// RecordSessionOutcome implements MetricsRecorder.
func (m *otelMetrics) RecordSessionOutcome(ctx context.Context, state, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("reason", reason),
	)
	m.sessionOutcomes.Add(ctx, 1, attrs)
	m.sessionLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordFragment implements MetricsRecorder.
func (m *otelMetrics) RecordFragment(ctx context.Context, target string, sizeBytes int64) {
	m.fragments.Add(ctx, 1)
	m.fragmentBytes.Record(ctx, sizeBytes)
}

// RecordPoll implements MetricsRecorder.
func (m *otelMetrics) RecordPoll(ctx context.Context, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.polls.Add(ctx, 1, attrs)
	m.pollLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordDecision implements MetricsRecorder.
func (m *otelMetrics) RecordDecision(ctx context.Context, outcome string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPromptTokens implements MetricsRecorder.
func (m *otelMetrics) RecordPromptTokens(ctx context.Context, kind string, tokens int64) {
	m.promptTokens.Record(ctx, tokens, metric.WithAttributes(attribute.String("kind", kind)))
}
