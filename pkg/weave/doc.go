// Package weave is the streaming generation and optimistic graph-state
// engine behind the narrative-authoring workspace.
//
// The engine issues long-running AI-generation requests, consumes their
// incrementally pushed text, and reflects progress into two reactive
// surfaces: the node/edge authoring canvas and the turn-orchestration
// dashboard. It guarantees in-order increment application, at most one
// in-flight generation per target, clean idempotent cancellation, and
// fail-soft recovery from partial failure.
//
// Component layout, leaves first:
//
//   - stream: push-stream parsing (Assembler) and the HTTP transport
//   - session: one cancellable generation attempt as a state machine
//   - generation: the per-workspace registry enforcing single-flight
//   - graph: the optimistic canvas model resolving nodes from sessions
//   - pipeline: authoritative, replace-only polling of turn phases
//   - decision: out-of-band decision/negotiation event routing
//   - journal: durable per-target session records for recovery
//   - config, observability: settings files, logging, metrics, tracing
//
// An Engine wires one instance of each together per workspace and tears
// them down with Close. Cross-component communication is by explicit
// subscription, never shared mutable references.
package weave
