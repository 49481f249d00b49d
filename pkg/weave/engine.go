package weave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/storyweave/pkg/weave/config"
	"github.com/randalmurphal/storyweave/pkg/weave/decision"
	"github.com/randalmurphal/storyweave/pkg/weave/generation"
	"github.com/randalmurphal/storyweave/pkg/weave/graph"
	"github.com/randalmurphal/storyweave/pkg/weave/journal"
	"github.com/randalmurphal/storyweave/pkg/weave/observability"
	"github.com/randalmurphal/storyweave/pkg/weave/pipeline"
	"github.com/randalmurphal/storyweave/pkg/weave/session"
	"github.com/randalmurphal/storyweave/pkg/weave/stream"
)

// ErrNoTransport indicates neither a transport nor an upstream URL was
// provided.
var ErrNoTransport = errors.New("engine requires a transport or upstream URL")

// engineConfig collects construction options.
type engineConfig struct {
	settings config.Settings

	transport stream.Transport
	fetcher   pipeline.Fetcher
	store     journal.Store

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// Option configures engine construction.
type Option func(*engineConfig)

// WithSettings applies loaded configuration settings.
func WithSettings(s config.Settings) Option {
	return func(c *engineConfig) {
		c.settings = s
	}
}

// WithTransport sets the generation transport, overriding the HTTP
// transport built from settings.
func WithTransport(t stream.Transport) Option {
	return func(c *engineConfig) {
		c.transport = t
	}
}

// WithStatusFetcher sets the pipeline status fetcher, overriding the HTTP
// fetcher built from settings. Without either, polling is disabled.
func WithStatusFetcher(f pipeline.Fetcher) Option {
	return func(c *engineConfig) {
		c.fetcher = f
	}
}

// WithJournal sets the session journal store, overriding the store built
// from settings.
func WithJournal(s journal.Store) Option {
	return func(c *engineConfig) {
		c.store = s
	}
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder shared by all components.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		c.metrics = m
	}
}

// WithSpans sets the span manager used for session tracing.
func WithSpans(s observability.SpanManager) Option {
	return func(c *engineConfig) {
		c.spans = s
	}
}

// Engine is one workspace's generation engine: the registry, canvas store,
// pipeline poller, and decision bridge wired together with shared
// observability and an explicit teardown path.
//
// Construct one Engine per workspace and Close it on workspace close;
// there is no process-wide instance.
type Engine struct {
	registry *generation.Registry
	graph    *graph.Store
	poller   *pipeline.Poller
	bridge   *decision.Bridge
	journal  journal.Store

	ownsJournal bool
}

// New assembles an engine from options.
func New(opts ...Option) (*Engine, error) {
	cfg := engineConfig{settings: config.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = observability.NoopMetrics{}
	}
	if cfg.spans == nil {
		cfg.spans = observability.NoopSpanManager{}
	}

	transport := cfg.transport
	if transport == nil {
		if cfg.settings.UpstreamURL == "" {
			return nil, ErrNoTransport
		}
		transport = stream.NewHTTPTransport(cfg.settings.UpstreamURL,
			stream.WithTransportLogger(cfg.logger))
	}

	store := cfg.store
	ownsJournal := false
	if store == nil {
		if cfg.settings.JournalPath != "" {
			var err error
			store, err = journal.NewSQLiteStore(cfg.settings.JournalPath)
			if err != nil {
				return nil, fmt.Errorf("open journal: %w", err)
			}
		} else {
			store = journal.NewMemoryStore()
		}
		ownsJournal = true
	}

	bridge := decision.NewBridge(decision.Config{
		DefaultCountdown: cfg.settings.DecisionCountdown(),
		Logger:           cfg.logger,
		Metrics:          cfg.metrics,
	})

	registry := generation.NewRegistry(transport, generation.Config{
		Session: session.Config{
			ConnectTimeout: cfg.settings.ConnectTimeout(),
			MaxReorder:     cfg.settings.MaxBufferedFragments,
		},
		ReleaseGrace: cfg.settings.ReleaseGrace(),
		Journal:      store,
		Gate:         bridge.Gate(),
		Logger:       cfg.logger,
		Metrics:      cfg.metrics,
		Spans:        cfg.spans,
	})

	fetcher := cfg.fetcher
	if fetcher == nil && cfg.settings.StatusURL != "" {
		fetcher = pipeline.NewHTTPFetcher(cfg.settings.StatusURL, nil)
	}
	var poller *pipeline.Poller
	if fetcher != nil {
		poller = pipeline.NewPoller(fetcher, pipeline.Config{
			Interval:    cfg.settings.PollInterval(),
			MaxInterval: cfg.settings.PollMaxInterval(),
			Logger:      cfg.logger,
			Metrics:     cfg.metrics,
		})
	}

	return &Engine{
		registry:    registry,
		graph:       graph.NewStore(registry, cfg.logger),
		poller:      poller,
		bridge:      bridge,
		journal:     store,
		ownsJournal: ownsJournal,
	}, nil
}

// Registry returns the generation registry.
func (e *Engine) Registry() *generation.Registry { return e.registry }

// Graph returns the canvas store.
func (e *Engine) Graph() *graph.Store { return e.graph }

// Poller returns the pipeline poller, nil when polling is disabled.
func (e *Engine) Poller() *pipeline.Poller { return e.poller }

// Decisions returns the decision bridge.
func (e *Engine) Decisions() *decision.Bridge { return e.bridge }

// Journal returns the session journal.
func (e *Engine) Journal() journal.Store { return e.journal }

// StartPolling begins pipeline polling if a fetcher is configured.
func (e *Engine) StartPolling(ctx context.Context) {
	if e.poller != nil {
		e.poller.Start(ctx)
	}
}

// Close tears the workspace down: cancels all live sessions, stops
// polling, drops pending decisions, and closes an engine-owned journal.
func (e *Engine) Close() error {
	e.graph.Close()
	if e.poller != nil {
		e.poller.Stop()
	}
	var firstErr error
	if err := e.registry.Close(); err != nil {
		firstErr = err
	}
	if err := e.bridge.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.ownsJournal {
		if err := e.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
