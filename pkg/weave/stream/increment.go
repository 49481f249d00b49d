// Package stream parses raw generation push-streams into typed increments
// and provides the transport that opens them.
//
// The upstream AI service is treated as an opaque collaborator: one POST
// returns a long-lived body of newline-delimited events, each line
// "data: <json>", where <json> carries a chunk, a terminal completion, or a
// terminal error. This package turns that body into a finite, in-order
// sequence of Increment values. Retry and lifecycle policy live one layer
// up, in the session package.
package stream

// IncrementType discriminates the three increment shapes a stream can carry.
type IncrementType string

// Increment types.
const (
	// IncrementFragment appends text to the accumulated buffer.
	IncrementFragment IncrementType = "fragment"

	// IncrementCompleted is the terminal success increment.
	IncrementCompleted IncrementType = "completed"

	// IncrementFailed is the terminal error increment.
	IncrementFailed IncrementType = "failed"
)

// Increment is one typed element of a generation stream.
// Exactly one of Text, Metadata, or Reason is meaningful, depending on Type.
type Increment struct {
	// Type discriminates the increment shape.
	Type IncrementType

	// Sequence is the position of this increment in the stream.
	// Fragment sequences are strictly increasing from 1. If the upstream
	// omits sequence numbers, the assembler assigns them in arrival order.
	Sequence int64

	// Text is the appended text (fragment only).
	Text string

	// Metadata describes the producing model (completed only).
	Metadata *Metadata

	// Reason is the failure reason (failed only).
	Reason string
}

// Terminal reports whether this increment ends the stream.
func (i Increment) Terminal() bool {
	return i.Type == IncrementCompleted || i.Type == IncrementFailed
}

// Metadata describes the model and provider that produced a completed
// generation, returned on the terminal increment.
type Metadata struct {
	Model            string `json:"model,omitempty"`
	Provider         string `json:"provider,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// wireEvent is the JSON payload of one "data:" line.
type wireEvent struct {
	Type     string    `json:"type"`
	Seq      int64     `json:"seq,omitempty"`
	Content  string    `json:"content,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}
