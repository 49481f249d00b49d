// Package pipeline polls the turn orchestration pipeline and derives
// discrete phase transitions, independent of the generation push-stream
// transport.
//
// The server is the source of truth: every successful poll replaces the
// whole phase list rather than merging into it, which eliminates drift
// between optimistic client timers and actual backend state. Failed polls
// degrade to a stale view rather than regressing to unknown.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PhaseStatus is the server-reported status of one pipeline phase.
type PhaseStatus string

// Phase statuses.
const (
	PhaseQueued     PhaseStatus = "queued"
	PhaseProcessing PhaseStatus = "processing"
	PhaseCompleted  PhaseStatus = "completed"
)

// Phase is one named step of the turn pipeline.
type Phase struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Status   PhaseStatus `json:"status"`
	Progress int         `json:"progress"`
}

// Pipeline status values on the wire.
const (
	StatusRunning = "running"
	StatusIdle    = "idle"
)

// Snapshot is the authoritative pipeline state returned by one poll.
type Snapshot struct {
	CurrentTurn int     `json:"current_turn"`
	TotalTurns  int     `json:"total_turns"`
	Status      string  `json:"status"`
	Steps       []Phase `json:"steps"`
}

// monotonic reports whether the phase list respects ordered progression:
// completed phases form a prefix, followed by at most one processing phase,
// followed only by queued phases. A snapshot violating this is rejected so
// consumers never observe a phase processing ahead of an unfinished
// predecessor.
func monotonic(steps []Phase) bool {
	const (
		inCompleted = iota
		inCurrent
		inQueued
	)
	zone := inCompleted
	for _, ph := range steps {
		switch ph.Status {
		case PhaseCompleted:
			if zone != inCompleted {
				return false
			}
		case PhaseProcessing:
			if zone != inCompleted {
				return false
			}
			zone = inCurrent
		case PhaseQueued:
			zone = inQueued
		default:
			return false
		}
		if ph.Progress < 0 || ph.Progress > 100 {
			return false
		}
	}
	return true
}

// Fetcher retrieves the authoritative pipeline status.
type Fetcher interface {
	FetchStatus(ctx context.Context) (Snapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (Snapshot, error)

// FetchStatus implements Fetcher.
func (f FetcherFunc) FetchStatus(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// HTTPFetcher fetches pipeline status from an HTTP endpoint.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher creates a fetcher against the given status URL.
// A nil client uses http.DefaultClient.
func NewHTTPFetcher(url string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{url: url, client: client}
}

// FetchStatus implements Fetcher.
func (f *HTTPFetcher) FetchStatus(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return Snapshot{}, fmt.Errorf("fetch status: upstream returned %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return snap, nil
}
