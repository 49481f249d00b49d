// Package decision routes inbound decision-point events to a negotiation
// workflow.
//
// The bridge consumes out-of-band push events (not generation text), holds
// at most one open decision point at a time, and queues later arrivals
// instead of dropping them. While a point is open, generation starts for
// its affected targets are suspended through the registry gate. Exactly one
// terminal action fires per point: user resolution and the countdown
// timeout race, and the loser is suppressed.
package decision

import (
	"encoding/json"
	"time"
)

// Option is one selectable choice on a decision point.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Negotiation is a server-suggested modification of the pending action.
// When present, accepting the suggestion and keeping the original are both
// terminal actions in their own right; neither forces a resubmission.
type Negotiation struct {
	Summary string          `json:"summary,omitempty"`
	Action  json.RawMessage `json:"action,omitempty"`
}

// Outcome is the terminal action recorded on a decision point.
type Outcome string

// Decision outcomes. Empty means the point is still open.
const (
	OutcomeConfirmed          Outcome = "confirmed"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeTimedOut           Outcome = "timed_out"
	OutcomeAcceptedSuggestion Outcome = "accepted_suggestion"
	OutcomeKeptOriginal       Outcome = "kept_original"
)

// Point is one decision awaiting user input.
type Point struct {
	// ID is the upstream decision identifier.
	ID string

	// Options are the selectable choices.
	Options []Option

	// FreeTextAllowed permits a free-text selection instead of an option id.
	FreeTextAllowed bool

	// Timeout is the countdown before the point times out on its own.
	Timeout time.Duration

	// Targets are the generation targets suspended while this point is
	// pending. Empty means the decision gates nothing.
	Targets []string

	// Negotiation is the attached suggestion, nil for plain decisions.
	Negotiation *Negotiation

	// Selection is the chosen option id or free text, set on confirmation.
	Selection string

	// Outcome is the recorded terminal action, empty while open.
	Outcome Outcome

	// OpenedAt is when the point became the active decision.
	OpenedAt time.Time
}

// Terminal reports whether a terminal action has been recorded.
func (p Point) Terminal() bool {
	return p.Outcome != ""
}

// inboundEvent is the wire envelope of a decision push event.
type inboundEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// inboundData is the decoded payload of a decision push event.
type inboundData struct {
	DecisionID      string          `json:"decision_id"`
	Options         []Option        `json:"options"`
	TimeoutSeconds  float64         `json:"timeout_seconds"`
	FreeTextAllowed bool            `json:"free_text_allowed"`
	Targets         []string        `json:"targets"`
	Suggestion      json.RawMessage `json:"suggestion"`
	Summary         string          `json:"summary"`
}

// Event wire types.
const (
	eventDecisionRequired    = "decision_required"
	eventNegotiationRequired = "negotiation_required"
)
