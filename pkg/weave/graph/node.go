// Package graph implements the optimistic node/edge authoring model behind
// the canvas.
//
// Node creation is optimistic: a node appears immediately in the loading
// state, backed by a generation session targeting its id. Resolution is
// asynchronous, driven by registry events; a node moves loading -> idle on
// completion or loading -> error on failure and never silently changes a
// resolved payload underneath the user.
package graph

import "encoding/json"

// Kind classifies what a node represents in the narrative.
type Kind string

// Node kinds.
const (
	KindCharacter Kind = "character"
	KindEvent     Kind = "event"
	KindLocation  Kind = "location"
	KindScene     Kind = "scene"
)

// Status is the resolution state of a node's payload.
// Valid transitions are loading -> idle and loading -> error only.
type Status string

// Node statuses.
const (
	StatusLoading Status = "loading"
	StatusIdle    Status = "idle"
	StatusError   Status = "error"
)

// Position is the canvas placement of a node.
// It is owned exclusively by the canvas; generation never touches it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one element on the authoring canvas.
//
// The payload is a tagged union over Status: nil while loading, the parsed
// generation result when idle, and nil with a short Diagnostic when error.
// Consumers cannot read a payload before it exists.
type Node struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Status     Status          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Diagnostic string          `json:"diagnostic,omitempty"`
	Position   Position        `json:"position"`
}

// clone returns a deep copy safe to hand out of the store.
func (n *Node) clone() Node {
	out := *n
	if n.Payload != nil {
		out.Payload = make(json.RawMessage, len(n.Payload))
		copy(out.Payload, n.Payload)
	}
	return out
}

// Edge connects two resolved nodes on the canvas.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}
