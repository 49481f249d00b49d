package decision_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/storyweave/pkg/weave/decision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decisionEvent(id string, targets ...string) []byte {
	ts := ""
	for i, t := range targets {
		if i > 0 {
			ts += ","
		}
		ts += fmt.Sprintf("%q", t)
	}
	return []byte(fmt.Sprintf(`{
		"type": "decision_required",
		"data": {
			"decision_id": %q,
			"options": [{"id": "yes", "label": "Yes"}, {"id": "no", "label": "No"}],
			"free_text_allowed": true,
			"targets": [%s]
		}
	}`, id, ts))
}

func negotiationEvent(id string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "negotiation_required",
		"data": {
			"decision_id": %q,
			"options": [{"id": "accept"}, {"id": "keep"}],
			"summary": "soften the scene ending",
			"suggestion": {"tone": "melancholy"}
		}
	}`, id))
}

func TestBridge_OpensAndResolvesDecision(t *testing.T) {
	b := decision.NewBridge(decision.Config{})
	defer b.Close()

	require.NoError(t, b.HandleEvent(decisionEvent("d-1")))

	point, ok := b.Active()
	require.True(t, ok)
	assert.Equal(t, "d-1", point.ID)
	assert.Len(t, point.Options, 2)
	assert.True(t, point.FreeTextAllowed)
	assert.False(t, point.Terminal())

	require.NoError(t, b.Resolve("yes"))

	_, ok = b.Active()
	assert.False(t, ok)
}

func TestBridge_QueuesBehindActivePoint(t *testing.T) {
	b := decision.NewBridge(decision.Config{})
	defer b.Close()

	var mu sync.Mutex
	var events []decision.BridgeEvent
	b.Watch(func(e decision.BridgeEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	require.NoError(t, b.HandleEvent(decisionEvent("d-1")))
	require.NoError(t, b.HandleEvent(decisionEvent("d-2")))
	require.NoError(t, b.HandleEvent(decisionEvent("d-3")))

	assert.Equal(t, 2, b.Pending())
	point, _ := b.Active()
	assert.Equal(t, "d-1", point.ID)

	// Resolving promotes the queue head, FIFO.
	require.NoError(t, b.Resolve("yes"))
	point, ok := b.Active()
	require.True(t, ok)
	assert.Equal(t, "d-2", point.ID)
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.Skip())
	point, _ = b.Active()
	assert.Equal(t, "d-3", point.ID)
	assert.Zero(t, b.Pending())

	mu.Lock()
	defer mu.Unlock()
	var types []string
	for _, e := range events {
		types = append(types, e.Type+":"+e.Point.ID)
	}
	assert.Equal(t, []string{
		"opened:d-1",
		"resolved:d-1", "opened:d-2",
		"resolved:d-2", "opened:d-3",
	}, types)
}

func TestBridge_MalformedEventDroppedWithoutBlocking(t *testing.T) {
	b := decision.NewBridge(decision.Config{})
	defer b.Close()

	assert.Error(t, b.HandleEvent([]byte(`{not json`)))
	assert.Error(t, b.HandleEvent([]byte(`{"type":"decision_required"}`)))
	assert.Error(t, b.HandleEvent([]byte(`{"type":"mystery","data":{"decision_id":"d","options":[]}}`)))
	assert.Error(t, b.HandleEvent([]byte(`{"type":"decision_required","data":{"decision_id":"","options":[]}}`)))

	// A valid event still opens normally afterwards.
	require.NoError(t, b.HandleEvent(decisionEvent("d-ok")))
	point, ok := b.Active()
	require.True(t, ok)
	assert.Equal(t, "d-ok", point.ID)
}

func TestBridge_CountdownTimesOut(t *testing.T) {
	b := decision.NewBridge(decision.Config{DefaultCountdown: 30 * time.Millisecond})
	defer b.Close()

	var mu sync.Mutex
	var resolved *decision.Point
	b.Watch(func(e decision.BridgeEvent) {
		if e.Type == decision.EventResolved {
			mu.Lock()
			cp := e.Point
			resolved = &cp
			mu.Unlock()
		}
	})

	require.NoError(t, b.HandleEvent(decisionEvent("d-1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resolved != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, decision.OutcomeTimedOut, resolved.Outcome)

	_, ok := b.Active()
	assert.False(t, ok)
}

func TestBridge_ResolveAndTimeoutRecordExactlyOneAction(t *testing.T) {
	b := decision.NewBridge(decision.Config{DefaultCountdown: 20 * time.Millisecond})
	defer b.Close()

	var mu sync.Mutex
	resolvedCount := 0
	b.Watch(func(e decision.BridgeEvent) {
		if e.Type == decision.EventResolved {
			mu.Lock()
			resolvedCount++
			mu.Unlock()
		}
	})

	require.NoError(t, b.HandleEvent(decisionEvent("d-race")))

	// Race the countdown; whichever action loses must be suppressed.
	err := b.Resolve("yes")
	if err != nil {
		assert.ErrorIs(t, err, decision.ErrNoActiveDecision)
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, resolvedCount)
}

func TestBridge_NegotiationAcceptSuggestion(t *testing.T) {
	b := decision.NewBridge(decision.Config{})
	defer b.Close()

	require.NoError(t, b.HandleEvent(negotiationEvent("n-1")))

	point, ok := b.Active()
	require.True(t, ok)
	require.NotNil(t, point.Negotiation)
	assert.Equal(t, "soften the scene ending", point.Negotiation.Summary)
	assert.JSONEq(t, `{"tone":"melancholy"}`, string(point.Negotiation.Action))

	var mu sync.Mutex
	var outcome decision.Outcome
	b.Watch(func(e decision.BridgeEvent) {
		if e.Type == decision.EventResolved {
			mu.Lock()
			outcome = e.Point.Outcome
			mu.Unlock()
		}
	})

	require.NoError(t, b.AcceptSuggestion())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, decision.OutcomeAcceptedSuggestion, outcome)
}

func TestBridge_NegotiationKeepOriginal(t *testing.T) {
	b := decision.NewBridge(decision.Config{})
	defer b.Close()

	require.NoError(t, b.HandleEvent(negotiationEvent("n-1")))
	require.NoError(t, b.KeepOriginal())

	_, ok := b.Active()
	assert.False(t, ok)
}

func TestBridge_SuggestionActionsRequireNegotiation(t *testing.T) {
	b := decision.NewBridge(decision.Config{})
	defer b.Close()

	require.NoError(t, b.HandleEvent(decisionEvent("plain")))

	assert.ErrorIs(t, b.AcceptSuggestion(), decision.ErrNoSuggestion)
	assert.ErrorIs(t, b.KeepOriginal(), decision.ErrNoSuggestion)

	// The point is still resolvable the ordinary way.
	require.NoError(t, b.Resolve("no"))
}

func TestBridge_ActionsWithoutActivePoint(t *testing.T) {
	b := decision.NewBridge(decision.Config{})
	defer b.Close()

	assert.ErrorIs(t, b.Resolve("yes"), decision.ErrNoActiveDecision)
	assert.ErrorIs(t, b.Skip(), decision.ErrNoActiveDecision)
	assert.ErrorIs(t, b.AcceptSuggestion(), decision.ErrNoActiveDecision)
}

func TestBridge_GateSuspendsAffectedTargets(t *testing.T) {
	b := decision.NewBridge(decision.Config{})
	defer b.Close()
	gate := b.Gate()

	// No decisions pending: everything passes.
	assert.NoError(t, gate("node-1"))

	require.NoError(t, b.HandleEvent(decisionEvent("d-1", "node-1", "node-2")))
	require.NoError(t, b.HandleEvent(decisionEvent("d-2", "node-3")))

	assert.ErrorIs(t, gate("node-1"), decision.ErrDecisionPending)
	assert.ErrorIs(t, gate("node-2"), decision.ErrDecisionPending)
	// Queued points gate their targets too.
	assert.ErrorIs(t, gate("node-3"), decision.ErrDecisionPending)
	assert.NoError(t, gate("unrelated"))

	// Resolving releases the active point's targets.
	require.NoError(t, b.Resolve("yes"))
	assert.NoError(t, gate("node-1"))
	assert.ErrorIs(t, gate("node-3"), decision.ErrDecisionPending)

	require.NoError(t, b.Resolve("yes"))
	assert.NoError(t, gate("node-3"))
}

func TestBridge_ExplicitTimeoutSecondsOverridesDefault(t *testing.T) {
	b := decision.NewBridge(decision.Config{DefaultCountdown: time.Hour})
	defer b.Close()

	raw := []byte(`{
		"type": "decision_required",
		"data": {
			"decision_id": "d-fast",
			"options": [{"id": "a"}],
			"timeout_seconds": 0.5
		}
	}`)
	require.NoError(t, b.HandleEvent(raw))

	point, ok := b.Active()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, point.Timeout)
}

func TestBridge_CloseRejectsEventsAndClearsState(t *testing.T) {
	b := decision.NewBridge(decision.Config{})

	require.NoError(t, b.HandleEvent(decisionEvent("d-1")))
	require.NoError(t, b.HandleEvent(decisionEvent("d-2")))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close()) // idempotent

	_, ok := b.Active()
	assert.False(t, ok)
	assert.Zero(t, b.Pending())
	assert.ErrorIs(t, b.HandleEvent(decisionEvent("d-3")), decision.ErrBridgeClosed)
}
