package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetrics_DoesNotPanic(t *testing.T) {
	m := NoopMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordSessionOutcome(ctx, "completed", "", time.Second)
		m.RecordSessionOutcome(nil, "", "", 0)
		m.RecordFragment(ctx, "node-1", 64)
		m.RecordPoll(ctx, false, 0)
		m.RecordDecision(ctx, "confirmed")
		m.RecordPromptTokens(ctx, "scene", 10)
	})
}

func TestNoopSpanManager_DoesNotPanic(t *testing.T) {
	m := NoopSpanManager{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		spanCtx, span := m.StartSessionSpan(ctx, "gen-1", "node-1", "scene")
		assert.Equal(t, ctx, spanCtx)
		m.EndSpanWithError(span, errors.New("boom"))
		m.EndSpanWithError(span, nil)
		m.AddSpanEvent(ctx, "event", attribute.String("k", "v"))
	})
}
