package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/storyweave/pkg/weave/observability"
)

// Sentinel errors for bridge operations.
var (
	// ErrNoActiveDecision indicates no decision point is currently open.
	ErrNoActiveDecision = errors.New("no active decision point")

	// ErrNoSuggestion indicates the active point carries no negotiation
	// result to accept or reject.
	ErrNoSuggestion = errors.New("decision point has no suggestion attached")

	// ErrDecisionPending is wrapped by the gate when a pending decision
	// suspends generation starts for a target.
	ErrDecisionPending = errors.New("decision pending for target")

	// ErrBridgeClosed indicates the bridge has been closed.
	ErrBridgeClosed = errors.New("decision bridge closed")
)

// BridgeEvent notifies subscribers of decision lifecycle changes.
type BridgeEvent struct {
	// Type is "opened" or "resolved".
	Type string
	// Point is a copy of the decision point at the time of the event.
	Point Point
}

// Bridge event types.
const (
	EventOpened   = "opened"
	EventResolved = "resolved"
)

// Config controls bridge behavior. The zero value uses defaults.
type Config struct {
	// DefaultCountdown applies when an inbound event omits
	// timeout_seconds. Default: 30s.
	DefaultCountdown time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to NoopMetrics.
	Metrics observability.MetricsRecorder
}

func (c Config) withDefaults() Config {
	if c.DefaultCountdown <= 0 {
		c.DefaultCountdown = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return c
}

// activePoint pairs the open point with its countdown timer.
type activePoint struct {
	point Point
	timer *time.Timer
}

// Bridge owns all DecisionPoint state for one workspace.
// All methods are safe for concurrent use.
type Bridge struct {
	cfg Config

	mu        sync.Mutex
	active    *activePoint
	queue     []Point
	watchers  map[int64]func(BridgeEvent)
	nextWatch int64
	closed    bool
}

// NewBridge creates an empty decision bridge.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{
		cfg:      cfg.withDefaults(),
		watchers: make(map[int64]func(BridgeEvent)),
	}
}

// HandleEvent routes one raw inbound push event.
// Malformed events are logged and dropped with an error return; they never
// block later valid events. A valid event becomes the active point, or is
// queued FIFO if another point is still outstanding.
func (b *Bridge) HandleEvent(raw []byte) error {
	if err := validateEvent(raw); err != nil {
		b.cfg.Logger.Warn("dropping malformed decision event",
			slog.String("error", err.Error()),
		)
		return err
	}

	var env inboundEvent
	if err := json.Unmarshal(raw, &env); err != nil {
		// validateEvent already parsed the payload; unreachable in practice.
		return fmt.Errorf("decode event: %w", err)
	}
	var data inboundData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		b.cfg.Logger.Warn("dropping malformed decision payload",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("decode event data: %w", err)
	}

	point := Point{
		ID:              data.DecisionID,
		Options:         data.Options,
		FreeTextAllowed: data.FreeTextAllowed,
		Targets:         data.Targets,
		Timeout:         b.cfg.DefaultCountdown,
	}
	if data.TimeoutSeconds > 0 {
		point.Timeout = time.Duration(data.TimeoutSeconds * float64(time.Second))
	}
	if env.Type == eventNegotiationRequired {
		point.Negotiation = &Negotiation{Summary: data.Summary, Action: data.Suggestion}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if b.active != nil {
		b.queue = append(b.queue, point)
		depth := len(b.queue)
		b.mu.Unlock()
		b.cfg.Logger.Debug("queued decision point behind active one",
			slog.String("decision_id", point.ID),
			slog.Int("queue_depth", depth),
		)
		return nil
	}
	opened := b.activateLocked(point)
	b.mu.Unlock()

	b.notify(BridgeEvent{Type: EventOpened, Point: opened})
	return nil
}

// activateLocked installs a point as active and arms its countdown.
func (b *Bridge) activateLocked(point Point) Point {
	point.OpenedAt = time.Now()
	ap := &activePoint{point: point}
	ap.timer = time.AfterFunc(point.Timeout, func() {
		b.expire(point.ID)
	})
	b.active = ap
	return point
}

// Resolve records the user's selection as the terminal action.
func (b *Bridge) Resolve(selection string) error {
	return b.finish(OutcomeConfirmed, selection, nil)
}

// Skip records a skip as the terminal action.
func (b *Bridge) Skip() error {
	return b.finish(OutcomeSkipped, "", nil)
}

// AcceptSuggestion records acceptance of the attached negotiation result.
func (b *Bridge) AcceptSuggestion() error {
	return b.finish(OutcomeAcceptedSuggestion, "", requireSuggestion)
}

// KeepOriginal records rejection of the suggestion in favor of the
// original action.
func (b *Bridge) KeepOriginal() error {
	return b.finish(OutcomeKeptOriginal, "", requireSuggestion)
}

func requireSuggestion(p *Point) error {
	if p.Negotiation == nil {
		return ErrNoSuggestion
	}
	return nil
}

// expire is the countdown's terminal action.
// It races Resolve and friends; the terminal-state check under the lock
// guarantees exactly one action is recorded.
func (b *Bridge) expire(pointID string) {
	b.mu.Lock()
	if b.active == nil || b.active.point.ID != pointID || b.active.point.Terminal() {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	// finish re-checks under the lock; a resolve landing in between simply
	// wins the race.
	_ = b.finishPoint(pointID, OutcomeTimedOut, "", nil)
}

// finish applies a terminal action to the active point.
func (b *Bridge) finish(outcome Outcome, selection string, check func(*Point) error) error {
	b.mu.Lock()
	if b.active == nil {
		b.mu.Unlock()
		return ErrNoActiveDecision
	}
	id := b.active.point.ID
	b.mu.Unlock()
	return b.finishPoint(id, outcome, selection, check)
}

// finishPoint applies a terminal action to the identified point, promotes
// the next queued point, and notifies subscribers.
func (b *Bridge) finishPoint(pointID string, outcome Outcome, selection string, check func(*Point) error) error {
	b.mu.Lock()
	if b.active == nil || b.active.point.ID != pointID {
		b.mu.Unlock()
		return ErrNoActiveDecision
	}
	if b.active.point.Terminal() {
		b.mu.Unlock()
		return ErrNoActiveDecision
	}
	if check != nil {
		if err := check(&b.active.point); err != nil {
			b.mu.Unlock()
			return err
		}
	}

	b.active.timer.Stop()
	b.active.point.Outcome = outcome
	b.active.point.Selection = selection
	resolved := b.active.point
	b.active = nil

	var opened *Point
	if len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		p := b.activateLocked(next)
		opened = &p
	}
	b.mu.Unlock()

	b.cfg.Metrics.RecordDecision(context.Background(), string(outcome))
	observability.LogDecisionOutcome(b.cfg.Logger, resolved.ID, string(outcome))

	b.notify(BridgeEvent{Type: EventResolved, Point: resolved})
	if opened != nil {
		b.notify(BridgeEvent{Type: EventOpened, Point: *opened})
	}
	return nil
}

// Active returns a copy of the open decision point, if any.
func (b *Bridge) Active() (Point, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return Point{}, false
	}
	return b.active.point, true
}

// Pending returns the number of queued decision points behind the active
// one.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Gate returns a registry gate that suspends generation starts for targets
// affected by the active or queued decision points.
func (b *Bridge) Gate() func(target string) error {
	return func(target string) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.active != nil && pointGates(b.active.point, target) {
			return fmt.Errorf("%w: %s", ErrDecisionPending, b.active.point.ID)
		}
		for _, p := range b.queue {
			if pointGates(p, target) {
				return fmt.Errorf("%w: %s", ErrDecisionPending, p.ID)
			}
		}
		return nil
	}
}

func pointGates(p Point, target string) bool {
	for _, t := range p.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// Watch registers an event listener and returns its id for Unwatch.
func (b *Bridge) Watch(fn func(BridgeEvent)) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextWatch++
	b.watchers[b.nextWatch] = fn
	return b.nextWatch
}

// Unwatch removes an event listener.
func (b *Bridge) Unwatch(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watchers, id)
}

// Close drops the active point, its timer, and the queue.
// Further events are rejected.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.active != nil {
		b.active.timer.Stop()
		b.active = nil
	}
	b.queue = nil
	return nil
}

// notify delivers an event to all watchers outside the bridge lock.
func (b *Bridge) notify(evt BridgeEvent) {
	b.mu.Lock()
	fns := make([]func(BridgeEvent), 0, len(b.watchers))
	for _, fn := range b.watchers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}
