// Package session implements one cancellable generation attempt as an
// explicit state machine.
//
// A session owns a sequence counter, an append-only text buffer, and a
// lifecycle state. It is fed by a stream.Assembler running on its own
// goroutine and mutated only by increments or by cancellation. All terminal
// outcomes are represented as states, never as escaped errors: a session
// cannot fail in a way its observers do not see.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/storyweave/pkg/weave/stream"
)

// State is a session lifecycle state.
type State string

// Session states. Completed, Failed, and Cancelled are terminal.
const (
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Failure reasons surfaced on sessions that reach StateFailed.
const (
	ReasonConnectTimeout  = "connect_timeout"
	ReasonSequenceGap     = "sequence_gap_exceeded"
	ReasonTransportError  = "transport_error"
	ReasonCeilingExceeded = "ceiling_exceeded"
)

// Update is delivered to listeners on every applied increment and on every
// state transition.
type Update struct {
	// SessionID identifies the session.
	SessionID string

	// Target is the logical destination the session writes to.
	Target string

	// State is the session state after this update.
	State State

	// Increment is the applied increment, nil for pure state transitions
	// and replay snapshots.
	Increment *stream.Increment

	// Replay marks the synthetic snapshot delivered to a listener that
	// attached after the session started. Buffer holds everything
	// accumulated so far.
	Replay bool

	// Buffer is the accumulated text. Populated on replay snapshots and on
	// terminal updates; empty on live fragment updates, whose delta is in
	// Increment.Text.
	Buffer string

	// Reason is the failure reason on terminal failed/cancelled updates.
	Reason string

	// Metadata is the model/provider info on terminal completed updates.
	Metadata *stream.Metadata
}

// Listener receives session updates in order.
// Listeners must not block; slow consumers should hand off to their own
// queue. A listener must not reenter the session (attach, detach, or
// cancel) from inside the callback.
type Listener func(Update)

// Config controls session behavior. The zero value uses defaults.
type Config struct {
	// ConnectTimeout fails the session if no increment arrives while
	// connecting. Default: 15s.
	ConnectTimeout time.Duration

	// MaxReorder bounds the out-of-order fragment buffer. Exceeding it
	// fails the session with ReasonSequenceGap. Default: 50.
	MaxReorder int

	// Ceiling optionally bounds the whole session, including streaming.
	// Zero means no ceiling; long generations are expected.
	Ceiling time.Duration

	// Logger receives session lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.MaxReorder <= 0 {
		c.MaxReorder = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session is one cancellable generation attempt against a single target.
// All methods are safe for concurrent use.
type Session struct {
	id        string
	target    string
	cfg       Config
	startedAt time.Time

	// cancelTransport tears down the underlying stream. Safe to call
	// multiple times; invoked on every terminal transition so the
	// body-watcher goroutine never outlives the session.
	cancelTransport context.CancelFunc

	mu       sync.Mutex
	state    State
	buffer   strings.Builder
	lastSeq  int64
	pending  *reorderBuffer
	reason   string
	metadata *stream.Metadata

	// emitMu serializes listener delivery with buffer and state mutation,
	// so a replay snapshot and a live update can neither interleave out of
	// order nor carry the same fragment twice.
	emitMu     sync.Mutex
	listeners  map[int64]Listener
	listenerID int64

	// done is closed exactly once, on reaching any terminal state.
	done chan struct{}
}

// Open starts a new session: it inserts the connecting state synchronously,
// then opens the transport and consumes increments on a background goroutine.
// Cancelling ctx cancels the session.
func Open(ctx context.Context, transport stream.Transport, target string, req stream.Request, cfg Config) *Session {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:              fmt.Sprintf("gen-%s", uuid.New().String()[:8]),
		target:          target,
		cfg:             cfg,
		startedAt:       time.Now(),
		cancelTransport: cancel,
		state:           StateConnecting,
		pending:         newReorderBuffer(cfg.MaxReorder),
		listeners:       make(map[int64]Listener),
		done:            make(chan struct{}),
	}

	go s.run(runCtx, transport, req)
	return s
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Target returns the logical destination of the session.
func (s *Session) Target() string { return s.target }

// StartedAt returns the session start time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Buffer returns the text accumulated so far.
func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.String()
}

// LastSequence returns the highest applied fragment sequence.
func (s *Session) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Reason returns the failure reason, empty unless failed or cancelled.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Metadata returns the completion metadata, nil unless completed.
func (s *Session) Metadata() *stream.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// Done returns a channel closed when the session reaches a terminal state.
// This is what makes cancellation awaitable for forced handoffs.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal or ctx is cancelled.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests teardown. It is idempotent: cancelling a session that is
// already terminal or already cancelling is a no-op. The transport offers no
// teardown ack, so the session moves cancelling -> cancelled immediately;
// any increment still in flight is discarded on arrival.
func (s *Session) Cancel() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state.Terminal() || s.state == StateCancelling {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelling
	s.mu.Unlock()

	s.emitLocked(Update{State: StateCancelling})
	s.terminateLocked(nil, StateCancelled, "cancelled", nil)
}

// Attach registers a listener and returns its id for Detach.
// The listener first receives a replay snapshot carrying the buffer
// accumulated so far (and the terminal outcome, if already reached), then
// live updates in order.
func (s *Session) Attach(fn Listener) int64 {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	snapshot := Update{
		SessionID: s.id,
		Target:    s.target,
		State:     s.state,
		Replay:    true,
		Buffer:    s.buffer.String(),
		Reason:    s.reason,
		Metadata:  s.metadata,
	}
	s.mu.Unlock()

	fn(snapshot)
	return id
}

// Detach removes a previously attached listener.
func (s *Session) Detach(id int64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

// run opens the transport and drives the assembler until terminal.
func (s *Session) run(ctx context.Context, transport stream.Transport, req stream.Request) {
	connectTimer := time.AfterFunc(s.cfg.ConnectTimeout, func() {
		s.failFrom(StateConnecting, ReasonConnectTimeout)
	})
	defer connectTimer.Stop()

	if s.cfg.Ceiling > 0 {
		ceilingTimer := time.AfterFunc(s.cfg.Ceiling, func() {
			s.failActive(ReasonCeilingExceeded)
		})
		defer ceilingTimer.Stop()
	}

	body, err := transport.Open(ctx, req)
	if err != nil {
		// If a timeout or cancel already terminated the session, this
		// transport error is the echo of our own teardown; terminate is a
		// no-op then.
		s.cfg.Logger.Debug("transport open failed",
			slog.String("session_id", s.id),
			slog.String("target", s.target),
			slog.String("error", err.Error()),
		)
		s.failActive(ReasonTransportError)
		return
	}

	// Unblock reads when the session is torn down mid-stream.
	go func() {
		<-ctx.Done()
		body.Close()
	}()
	defer body.Close()

	asm := stream.NewAssembler(body)
	for {
		inc, ok := asm.Next()
		if !ok {
			return
		}
		s.apply(inc)
		if inc.Terminal() || s.State().Terminal() {
			return
		}
	}
}

// apply folds one increment into the session.
// Increments arriving outside connecting/streaming are discarded. emitMu is
// held across the whole fold, so a listener attaching mid-apply snapshots the
// buffer either before or after this increment, never in between.
func (s *Session) apply(inc stream.Increment) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}

	// First increment of any shape moves connecting -> streaming.
	if s.state == StateConnecting {
		s.state = StateStreaming
		s.mu.Unlock()
		s.emitLocked(Update{State: StateStreaming})
		s.mu.Lock()
	}

	switch inc.Type {
	case stream.IncrementFragment:
		s.applyFragmentLocked(inc)
	case stream.IncrementCompleted:
		meta := inc.Metadata
		s.mu.Unlock()
		s.terminateLocked(nil, StateCompleted, "", meta)
	case stream.IncrementFailed:
		reason := inc.Reason
		s.mu.Unlock()
		s.terminateLocked(nil, StateFailed, reason, nil)
	default:
		s.mu.Unlock()
	}
}

// applyFragmentLocked applies a fragment, enforcing strict in-order
// application: expected sequence is applied and the reorder buffer drained;
// stale sequences are dropped; future sequences are buffered until the gap
// closes or the buffer overflows. Caller holds emitMu and s.mu.
func (s *Session) applyFragmentLocked(inc stream.Increment) {
	switch {
	case inc.Sequence == s.lastSeq+1:
		applied := []stream.Increment{inc}
		s.buffer.WriteString(inc.Text)
		s.lastSeq = inc.Sequence
		for {
			next, ok := s.pending.take(s.lastSeq + 1)
			if !ok {
				break
			}
			s.buffer.WriteString(next.Text)
			s.lastSeq = next.Sequence
			applied = append(applied, next)
		}
		s.mu.Unlock()
		for i := range applied {
			frag := applied[i]
			s.emitLocked(Update{State: StateStreaming, Increment: &frag})
		}

	case inc.Sequence <= s.lastSeq:
		// Stale or duplicate; already applied.
		s.mu.Unlock()

	default:
		if !s.pending.put(inc) {
			s.mu.Unlock()
			s.terminateLocked(nil, StateFailed, ReasonSequenceGap, nil)
			return
		}
		s.mu.Unlock()
	}
}

// failFrom terminates with StateFailed only if still in the given state.
// The check and the transition share one locked section, so a stale timer
// cannot fail a session that has already advanced past its state.
func (s *Session) failFrom(from State, reason string) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.terminateLocked(func(st State) bool { return st == from }, StateFailed, reason, nil)
}

// failActive terminates with StateFailed from connecting or streaming.
func (s *Session) failActive(reason string) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.terminateLocked(func(st State) bool {
		return st == StateConnecting || st == StateStreaming
	}, StateFailed, reason, nil)
}

// terminateLocked performs the single transition into a terminal state.
// Exactly one call wins; all others are no-ops. allow, when non-nil, must
// approve the pre-transition state under the same lock that transitions it.
// The session context is always cancelled on the winning path, so the
// transport watcher goroutine exits with the session. Caller holds emitMu.
func (s *Session) terminateLocked(allow func(State) bool, st State, reason string, meta *stream.Metadata) bool {
	s.mu.Lock()
	if s.state.Terminal() || (allow != nil && !allow(s.state)) {
		s.mu.Unlock()
		return false
	}
	s.state = st
	s.reason = reason
	s.metadata = meta
	final := s.buffer.String()
	s.mu.Unlock()

	s.cancelTransport()
	close(s.done)
	s.emitLocked(Update{State: st, Buffer: final, Reason: reason, Metadata: meta})

	s.cfg.Logger.Debug("session terminal",
		slog.String("session_id", s.id),
		slog.String("target", s.target),
		slog.String("state", string(st)),
		slog.String("reason", reason),
	)
	return true
}

// emitLocked delivers an update to all listeners in attach order.
// Caller holds emitMu.
func (s *Session) emitLocked(u Update) {
	u.SessionID = s.id
	u.Target = s.target

	s.mu.Lock()
	ids := make([]int64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}
