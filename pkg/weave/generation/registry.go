// Package generation tracks live stream sessions keyed by logical target
// and enforces single-flight per target.
//
// A target is any logical destination for generated text: a canvas node id,
// a chat thread, an editor buffer. At most one non-terminal session exists
// per target at any time. A registry is constructed once per workspace and
// torn down explicitly with Close; there is no process-wide instance.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/storyweave/pkg/weave/journal"
	"github.com/randalmurphal/storyweave/pkg/weave/observability"
	"github.com/randalmurphal/storyweave/pkg/weave/session"
	"github.com/randalmurphal/storyweave/pkg/weave/stream"
)

// Sentinel errors for registry operations.
var (
	// ErrAlreadyActive indicates a non-terminal session already exists for
	// the target and force was not requested.
	ErrAlreadyActive = errors.New("generation already active for target")

	// ErrRegistryClosed indicates the registry has been closed.
	ErrRegistryClosed = errors.New("generation registry closed")
)

// AlreadyActiveError carries the conflicting session's identity.
type AlreadyActiveError struct {
	// Target is the contested logical target.
	Target string
	// SessionID is the live session occupying the slot.
	SessionID string
}

// Error implements the error interface.
func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("target %s already has active session %s", e.Target, e.SessionID)
}

// Unwrap returns ErrAlreadyActive for errors.Is support.
func (e *AlreadyActiveError) Unwrap() error {
	return ErrAlreadyActive
}

// Gate optionally blocks new generation starts for a target.
// A non-nil error vetoes the start; the error is returned to the caller
// wrapped with target context. Used by the decision bridge to suspend
// generation while a decision point is outstanding.
type Gate func(target string) error

// Config controls registry behavior. The zero value uses defaults.
type Config struct {
	// Session configures each session the registry opens.
	Session session.Config

	// ReleaseGrace is how long a terminal session stays resolvable after
	// finishing, so the UI can still read the final buffer. Default: 2s.
	ReleaseGrace time.Duration

	// Journal optionally persists per-target session records for recovery.
	Journal journal.Store

	// Gate optionally vetoes starts per target.
	Gate Gate

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to NoopMetrics.
	Metrics observability.MetricsRecorder

	// Spans defaults to NoopSpanManager.
	Spans observability.SpanManager
}

func (c Config) withDefaults() Config {
	if c.ReleaseGrace <= 0 {
		c.ReleaseGrace = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	c.Session.Logger = c.Logger
	return c
}

// subEntry is one registered subscriber for a target.
type subEntry struct {
	fn session.Listener

	// sess and attachID locate the listener inside the currently active
	// session, if any, so Unsubscribe can detach it.
	sess     *session.Session
	attachID int64
}

// Registry tracks all live sessions for one workspace.
// All methods are safe for concurrent use.
type Registry struct {
	transport stream.Transport
	cfg       Config

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	active    map[string]*session.Session
	subs      map[string]map[int64]*subEntry
	nextSubID int64
	closed    bool
}

// NewRegistry creates a registry that opens sessions over the given
// transport.
func NewRegistry(transport stream.Transport, cfg Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		transport:  transport,
		cfg:        cfg.withDefaults(),
		rootCtx:    ctx,
		rootCancel: cancel,
		active:     make(map[string]*session.Session),
		subs:       make(map[string]map[int64]*subEntry),
	}
}

// StartOption configures one Start call.
type StartOption func(*startConfig)

type startConfig struct {
	force bool
}

// WithForce cancels any live session on the target and awaits its
// cancellation before the new session starts, so two sessions never write
// to the same target concurrently.
func WithForce() StartOption {
	return func(c *startConfig) {
		c.force = true
	}
}

// Start opens a new session for the target.
// Returns the session id, or an AlreadyActiveError if a non-terminal
// session exists and force was not requested. ctx bounds only the wait for
// a forced handoff; the session itself lives until terminal or Close.
func (r *Registry) Start(ctx context.Context, target string, req stream.Request, opts ...StartOption) (string, error) {
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if r.cfg.Gate != nil {
		if err := r.cfg.Gate(target); err != nil {
			return "", fmt.Errorf("start %q: %w", target, err)
		}
	}

	if tokens := EstimateTokensSimple(req.Prompt); tokens > 0 {
		r.cfg.Metrics.RecordPromptTokens(ctx, req.Kind, int64(tokens))
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return "", ErrRegistryClosed
		}

		existing := r.active[target]
		if existing != nil && !existing.State().Terminal() {
			if !cfg.force {
				id := existing.ID()
				r.mu.Unlock()
				return "", &AlreadyActiveError{Target: target, SessionID: id}
			}
			r.mu.Unlock()

			observability.LogForcedHandoff(r.cfg.Logger, target, existing.ID())
			existing.Cancel()
			if err := existing.Wait(ctx); err != nil {
				return "", fmt.Errorf("await handoff for %q: %w", target, err)
			}
			continue
		}

		sess := session.Open(r.rootCtx, r.transport, target, req, r.cfg.Session)
		r.active[target] = sess
		entries := make([]*subEntry, 0, len(r.subs[target]))
		for _, e := range r.subs[target] {
			entries = append(entries, e)
		}
		r.mu.Unlock()

		observability.LogSessionStart(r.cfg.Logger, sess.ID(), target, req.Kind)
		r.observe(sess, req)

		// Attach existing subscribers; replay-on-attach covers anything the
		// session produced before this point.
		for _, e := range entries {
			aid := sess.Attach(e.fn)
			r.mu.Lock()
			e.sess = sess
			e.attachID = aid
			r.mu.Unlock()
		}

		return sess.ID(), nil
	}
}

// observe wires journal, metrics, tracing, and slot release to the
// session's lifecycle.
func (r *Registry) observe(sess *session.Session, req stream.Request) {
	spanCtx, span := r.cfg.Spans.StartSessionSpan(context.Background(), sess.ID(), sess.Target(), req.Kind)

	sess.Attach(func(u session.Update) {
		switch {
		case u.Replay:
			// Initial snapshot of our own session; nothing to record.

		case u.Increment != nil && u.Increment.Type == stream.IncrementFragment:
			r.cfg.Metrics.RecordFragment(spanCtx, u.Target, int64(len(u.Increment.Text)))
			r.journalWrite(sess)

		case u.State.Terminal():
			duration := time.Since(sess.StartedAt())
			r.cfg.Metrics.RecordSessionOutcome(spanCtx, string(u.State), u.Reason, duration)

			var termErr error
			if u.State == session.StateFailed {
				termErr = errors.New(u.Reason)
			}
			r.cfg.Spans.EndSpanWithError(span, termErr)

			observability.LogSessionTerminal(r.cfg.Logger, u.SessionID, u.Target,
				string(u.State), u.Reason, float64(duration.Milliseconds()))

			r.journalWrite(sess)
			r.scheduleRelease(sess)
		}
	})
}

// journalWrite persists the session's current record, fail-soft.
func (r *Registry) journalWrite(sess *session.Session) {
	if r.cfg.Journal == nil {
		return
	}
	rec := journal.Record{
		Target:       sess.Target(),
		SessionID:    sess.ID(),
		State:        string(sess.State()),
		Buffer:       sess.Buffer(),
		LastSequence: sess.LastSequence(),
		Reason:       sess.Reason(),
	}
	if err := r.cfg.Journal.Save(rec); err != nil {
		observability.LogJournalError(r.cfg.Logger, rec.Target, "save", err)
	}
}

// scheduleRelease frees the target slot after the grace period, unless a
// newer session has already taken it.
func (r *Registry) scheduleRelease(sess *session.Session) {
	time.AfterFunc(r.cfg.ReleaseGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.active[sess.Target()] == sess {
			delete(r.active, sess.Target())
		}
	})
}

// Subscribe registers a listener for every increment and terminal
// transition on the target's current and future sessions. If a session is
// already live, the listener first receives a replay snapshot of the buffer
// accumulated so far.
func (r *Registry) Subscribe(target string, fn session.Listener) *Subscription {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return &Subscription{}
	}
	r.nextSubID++
	id := r.nextSubID
	e := &subEntry{fn: fn}
	if r.subs[target] == nil {
		r.subs[target] = make(map[int64]*subEntry)
	}
	r.subs[target][id] = e
	sess := r.active[target]
	r.mu.Unlock()

	if sess != nil {
		aid := sess.Attach(fn)
		r.mu.Lock()
		e.sess = sess
		e.attachID = aid
		r.mu.Unlock()
	}

	return &Subscription{r: r, target: target, id: id}
}

// Subscription is an active registry subscription.
// The zero value is a detached no-op.
type Subscription struct {
	r      *Registry
	target string
	id     int64
}

// Unsubscribe removes the subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	if s.r == nil {
		return
	}
	s.r.mu.Lock()
	e := s.r.subs[s.target][s.id]
	delete(s.r.subs[s.target], s.id)
	s.r.mu.Unlock()

	if e != nil && e.sess != nil {
		e.sess.Detach(e.attachID)
	}
	s.r = nil
}

// Cancel cancels the live session for the target, if any. Idempotent:
// cancelling an already-terminal or absent session is a no-op.
func (r *Registry) Cancel(target string) {
	r.mu.Lock()
	sess := r.active[target]
	r.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
}

// Lookup returns the current session for a target, terminal sessions
// included until their grace period expires.
func (r *Registry) Lookup(target string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.active[target]
	return sess, ok
}

// ActiveCount returns the number of tracked sessions, terminal-in-grace
// included.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close cancels all live sessions and rejects further starts.
// Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*session.Session, 0, len(r.active))
	for _, sess := range r.active {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Cancel()
	}
	for _, sess := range sessions {
		<-sess.Done()
	}
	r.rootCancel()
	return nil
}
