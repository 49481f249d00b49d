package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/storyweave/pkg/weave/observability"
)

// View is the poller's current picture of the pipeline.
type View struct {
	// Phases is the last known-good phase list.
	Phases []Phase

	// CurrentTurn and TotalTurns mirror the last good snapshot.
	CurrentTurn int
	TotalTurns  int

	// Running reports whether the pipeline was running in the last good
	// snapshot.
	Running bool

	// Stale is set when the most recent poll failed or was rejected; the
	// phase list is then the retained last good one, not fresh truth.
	Stale bool
}

// Config controls poller behavior. The zero value uses defaults.
type Config struct {
	// Interval is the base polling cadence. Default: 2s.
	Interval time.Duration

	// MaxInterval caps failure backoff. Consecutive failures double the
	// effective interval up to this ceiling; any success resets it.
	// Default: 30s.
	MaxInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to NoopMetrics.
	Metrics observability.MetricsRecorder
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return c
}

// Poller periodically fetches pipeline status and exposes a replace-only
// view of it. The PipelinePhase list is owned exclusively by the poller;
// consumers read snapshots or subscribe to view updates.
type Poller struct {
	fetcher Fetcher
	cfg     Config

	// reqCounter numbers issued fetches; a response is applied only if it
	// belongs to the most recently issued request, which discards slow
	// responses overtaken by later ones.
	reqCounter atomic.Int64

	mu        sync.Mutex
	view      View
	failures  int
	running   bool
	stopCh    chan struct{}
	watchers  map[int64]func(View)
	nextWatch int64
}

// NewPoller creates a poller over the given fetcher.
func NewPoller(fetcher Fetcher, cfg Config) *Poller {
	return &Poller{
		fetcher:  fetcher,
		cfg:      cfg.withDefaults(),
		watchers: make(map[int64]func(View)),
	}
}

// Start begins periodic polling. It is a no-op if already running.
// Polling stops when the authoritative response reports the pipeline idle,
// when Stop is called, or when ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	go p.loop(ctx, stopCh)
}

// Stop halts polling. Idempotent. The last view remains readable.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Snapshot returns a copy of the current view.
func (p *Poller) Snapshot() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewCopyLocked()
}

func (p *Poller) viewCopyLocked() View {
	out := p.view
	out.Phases = make([]Phase, len(p.view.Phases))
	copy(out.Phases, p.view.Phases)
	return out
}

// Watch registers a view listener and returns its id for Unwatch.
func (p *Poller) Watch(fn func(View)) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextWatch++
	p.watchers[p.nextWatch] = fn
	return p.nextWatch
}

// Unwatch removes a view listener.
func (p *Poller) Unwatch(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watchers, id)
}

// loop issues fetches on the backoff-adjusted cadence.
// Each fetch runs on its own goroutine so a slow response never delays the
// next poll; staleness is resolved at apply time via the request counter.
func (p *Poller) loop(ctx context.Context, stopCh chan struct{}) {
	for {
		interval := p.currentInterval()
		select {
		case <-time.After(interval):
		case <-stopCh:
			return
		case <-ctx.Done():
			p.Stop()
			return
		}

		reqID := p.reqCounter.Add(1)
		go p.fetchOne(ctx, reqID)
	}
}

// currentInterval doubles the base interval per consecutive failure,
// capped at MaxInterval.
func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	failures := p.failures
	p.mu.Unlock()

	interval := p.cfg.Interval
	for i := 0; i < failures; i++ {
		interval *= 2
		if interval >= p.cfg.MaxInterval {
			return p.cfg.MaxInterval
		}
	}
	return interval
}

// fetchOne performs one poll and applies its result.
func (p *Poller) fetchOne(ctx context.Context, reqID int64) {
	done := observability.TimedOperation()
	snap, err := p.fetcher.FetchStatus(ctx)
	durationMs := done()
	p.cfg.Metrics.RecordPoll(ctx, err == nil, time.Duration(durationMs)*time.Millisecond)

	p.apply(reqID, snap, err)
	observability.LogPollResult(p.cfg.Logger, reqID, err == nil, p.Snapshot().Stale, durationMs)
}

// apply folds one poll result into the view.
// Superseded responses are discarded outright; failures retain the last
// known-good phase list and only flip the stale flag.
func (p *Poller) apply(reqID int64, snap Snapshot, fetchErr error) {
	p.mu.Lock()

	if reqID != p.reqCounter.Load() {
		// A newer request was issued while this one was in flight.
		p.mu.Unlock()
		return
	}

	if fetchErr != nil {
		p.failures++
		p.view.Stale = true
		view := p.viewCopyLocked()
		p.mu.Unlock()
		p.notify(view)
		return
	}

	if !monotonic(snap.Steps) {
		p.cfg.Logger.Warn("rejecting non-monotonic pipeline snapshot",
			slog.Int64("request_id", reqID),
		)
		p.failures++
		p.view.Stale = true
		view := p.viewCopyLocked()
		p.mu.Unlock()
		p.notify(view)
		return
	}

	p.failures = 0
	p.view = View{
		Phases:      snap.Steps,
		CurrentTurn: snap.CurrentTurn,
		TotalTurns:  snap.TotalTurns,
		Running:     snap.Status == StatusRunning,
		Stale:       false,
	}
	terminal := snap.Status == StatusIdle
	if terminal {
		p.stopLocked()
	}
	view := p.viewCopyLocked()
	p.mu.Unlock()

	p.notify(view)
}

// notify delivers a view to all watchers outside the poller lock.
func (p *Poller) notify(view View) {
	p.mu.Lock()
	fns := make([]func(View), 0, len(p.watchers))
	for _, fn := range p.watchers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}
