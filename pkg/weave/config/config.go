// Package config loads engine settings from YAML or JSON files.
//
// All knobs are plain numeric or string values with working defaults; there
// is no environment coupling. Durations are expressed in milliseconds on
// the wire to keep the files trivially editable.
package config

import (
	"fmt"
	"time"
)

// Settings is the file-loadable engine configuration.
type Settings struct {
	// UpstreamURL is the base URL of the generation service.
	UpstreamURL string `yaml:"upstream_url" json:"upstream_url"`

	// StatusURL is the pipeline status endpoint. Empty disables polling.
	StatusURL string `yaml:"status_url" json:"status_url"`

	// JournalPath is the SQLite journal file. Empty keeps the journal in
	// memory; ":memory:" uses an in-memory SQLite database.
	JournalPath string `yaml:"journal_path" json:"journal_path"`

	// PollIntervalMS is the base pipeline polling cadence.
	PollIntervalMS int `yaml:"poll_interval_ms" json:"poll_interval_ms"`

	// PollMaxIntervalMS caps poll failure backoff.
	PollMaxIntervalMS int `yaml:"poll_max_interval_ms" json:"poll_max_interval_ms"`

	// ConnectTimeoutMS fails a session that receives nothing while
	// connecting.
	ConnectTimeoutMS int `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`

	// MaxBufferedFragments bounds the out-of-order fragment buffer per
	// session.
	MaxBufferedFragments int `yaml:"max_buffered_fragments" json:"max_buffered_fragments"`

	// ReleaseGraceMS keeps terminal sessions resolvable after finishing.
	ReleaseGraceMS int `yaml:"release_grace_ms" json:"release_grace_ms"`

	// DecisionCountdownMS is the default decision timeout when an event
	// omits one.
	DecisionCountdownMS int `yaml:"decision_countdown_ms" json:"decision_countdown_ms"`
}

// Default returns the settings used when no file is provided.
func Default() Settings {
	return Settings{
		PollIntervalMS:       2000,
		PollMaxIntervalMS:    30000,
		ConnectTimeoutMS:     15000,
		MaxBufferedFragments: 50,
		ReleaseGraceMS:       2000,
		DecisionCountdownMS:  30000,
	}
}

// Validate rejects settings that cannot produce a working engine.
func (s Settings) Validate() error {
	if s.PollIntervalMS < 0 || s.PollMaxIntervalMS < 0 ||
		s.ConnectTimeoutMS < 0 || s.MaxBufferedFragments < 0 ||
		s.ReleaseGraceMS < 0 || s.DecisionCountdownMS < 0 {
		return fmt.Errorf("config: durations and limits must be non-negative")
	}
	if s.PollMaxIntervalMS > 0 && s.PollIntervalMS > s.PollMaxIntervalMS {
		return fmt.Errorf("config: poll_interval_ms exceeds poll_max_interval_ms")
	}
	return nil
}

// Duration accessors, zero-safe: a zero field falls back to the default.

// PollInterval returns the base polling cadence.
func (s Settings) PollInterval() time.Duration { return s.ms(s.PollIntervalMS, 2000) }

// PollMaxInterval returns the poll backoff ceiling.
func (s Settings) PollMaxInterval() time.Duration { return s.ms(s.PollMaxIntervalMS, 30000) }

// ConnectTimeout returns the connect-phase idle window.
func (s Settings) ConnectTimeout() time.Duration { return s.ms(s.ConnectTimeoutMS, 15000) }

// ReleaseGrace returns the terminal-session grace period.
func (s Settings) ReleaseGrace() time.Duration { return s.ms(s.ReleaseGraceMS, 2000) }

// DecisionCountdown returns the default decision timeout.
func (s Settings) DecisionCountdown() time.Duration { return s.ms(s.DecisionCountdownMS, 30000) }

func (Settings) ms(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}
