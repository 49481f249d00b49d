package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/storyweave/pkg/weave/generation"
	"github.com/randalmurphal/storyweave/pkg/weave/session"
	"github.com/randalmurphal/storyweave/pkg/weave/stream"
)

// ChangeType discriminates store change notifications.
type ChangeType string

// Change types delivered to watchers.
const (
	ChangeNodeAdded    ChangeType = "node.added"
	ChangeNodeProgress ChangeType = "node.progress"
	ChangeNodeResolved ChangeType = "node.resolved"
	ChangeNodeMoved    ChangeType = "node.moved"
	ChangeNodeRemoved  ChangeType = "node.removed"
	ChangeEdgeAdded    ChangeType = "edge.added"
)

// Change describes one store mutation for canvas bindings.
type Change struct {
	Type   ChangeType
	NodeID string
	EdgeID string
	// Node is a copy of the node after the change, set for node changes.
	Node *Node
	// Text is the appended fragment text on progress changes.
	Text string
}

// Store is the optimistic graph model for one canvas.
// All mutation goes through Store methods; there is no external mutation
// path, which is what preserves the status and edge invariants.
type Store struct {
	reg    *generation.Registry
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string]*Edge
	subs  map[string]*generation.Subscription

	// superseded maps a node id to the session id a forced regenerate
	// displaced. That session's terminal echo must not resolve the node;
	// the replacement session owns it now.
	superseded map[string]string

	watchers  map[int64]func(Change)
	nextWatch int64
}

// NewStore creates a store backed by the given registry.
func NewStore(reg *generation.Registry, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		reg:        reg,
		logger:     logger,
		nodes:      make(map[string]*Node),
		edges:      make(map[string]*Edge),
		subs:       make(map[string]*generation.Subscription),
		superseded: make(map[string]string),
		watchers:   make(map[int64]func(Change)),
	}
}

// CreateGenerating synchronously inserts a loading node, then starts a
// generation session targeting the node id and subscribes to it.
//
// The node id is always returned; if the start was rejected (gated target,
// closed registry) the node is left in the error state and the rejection is
// returned alongside so callers can surface it.
func (s *Store) CreateGenerating(ctx context.Context, kind Kind, req stream.Request, pos Position) (string, error) {
	id := fmt.Sprintf("node-%s", uuid.New().String()[:8])

	node := &Node{ID: id, Kind: kind, Status: StatusLoading, Position: pos}
	s.mu.Lock()
	s.nodes[id] = node
	s.mu.Unlock()
	s.notify(Change{Type: ChangeNodeAdded, NodeID: id, Node: ptr(node.clone())})

	sub := s.reg.Subscribe(id, s.sessionListener(id))
	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()

	if _, err := s.reg.Start(ctx, id, req); err != nil {
		s.resolveError(id, err.Error())
		return id, err
	}
	return id, nil
}

// Regenerate starts a fresh session explicitly overwriting a resolved
// node's payload. The node returns to loading first, so the transition
// discipline still holds: only a new session may replace a resolved payload.
func (s *Store) Regenerate(ctx context.Context, id string, req stream.Request) error {
	prev, hasPrev := s.reg.Lookup(id)

	s.mu.Lock()
	node, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("regenerate: node %s not found", id)
	}
	if hasPrev {
		// The forced start cancels this session mid-flight; mark it so its
		// cancelled echo cannot drive the node to error.
		s.superseded[id] = prev.ID()
	}
	node.Status = StatusLoading
	node.Payload = nil
	node.Diagnostic = ""
	snapshot := node.clone()
	s.mu.Unlock()
	s.notify(Change{Type: ChangeNodeAdded, NodeID: id, Node: &snapshot})

	if _, err := s.reg.Start(ctx, id, req, generation.WithForce()); err != nil {
		s.resolveError(id, err.Error())
		return err
	}
	return nil
}

// sessionListener resolves the node when its session reaches a terminal
// state and forwards streaming progress to watchers.
func (s *Store) sessionListener(id string) session.Listener {
	return func(u session.Update) {
		switch {
		case u.Replay:
			if u.State.Terminal() {
				s.resolveTerminal(id, u)
			}
		case u.Increment != nil && u.Increment.Type == stream.IncrementFragment:
			s.notify(Change{Type: ChangeNodeProgress, NodeID: id, Text: u.Increment.Text})
		case u.State.Terminal():
			s.resolveTerminal(id, u)
		}
	}
}

// resolveTerminal applies a terminal session outcome to the node.
// Outcomes from a session displaced by Regenerate are discarded.
func (s *Store) resolveTerminal(id string, u session.Update) {
	s.mu.RLock()
	displaced := s.superseded[id] == u.SessionID
	s.mu.RUnlock()
	if displaced {
		return
	}

	if u.State == session.StateCompleted {
		if json.Valid([]byte(u.Buffer)) {
			s.resolveIdle(id, json.RawMessage(u.Buffer))
			return
		}
		s.logger.Warn("generation produced non-JSON payload",
			slog.String("node_id", id),
			slog.String("session_id", u.SessionID),
		)
		s.resolveError(id, "malformed generation payload")
		return
	}
	reason := u.Reason
	if reason == "" {
		reason = string(u.State)
	}
	s.resolveError(id, reason)
}

// resolveIdle atomically replaces the payload and moves loading -> idle.
// A node that already resolved keeps its payload; stale session echoes
// cannot mutate it.
func (s *Store) resolveIdle(id string, payload json.RawMessage) {
	s.mu.Lock()
	node, ok := s.nodes[id]
	if !ok || node.Status != StatusLoading {
		s.mu.Unlock()
		return
	}
	node.Status = StatusIdle
	node.Payload = payload
	node.Diagnostic = ""
	snapshot := node.clone()
	s.mu.Unlock()
	s.notify(Change{Type: ChangeNodeResolved, NodeID: id, Node: &snapshot})
}

// resolveError moves loading -> error with a short diagnostic.
func (s *Store) resolveError(id, diagnostic string) {
	s.mu.Lock()
	node, ok := s.nodes[id]
	if !ok || node.Status != StatusLoading {
		s.mu.Unlock()
		return
	}
	node.Status = StatusError
	node.Payload = nil
	node.Diagnostic = diagnostic
	snapshot := node.clone()
	s.mu.Unlock()
	s.notify(Change{Type: ChangeNodeResolved, NodeID: id, Node: &snapshot})
}

// Connect creates an edge between two resolved nodes.
// It is a deliberate no-op, not an error, when either endpoint is missing
// or not idle: the canvas stays resilient to racing clicks while a node is
// still generating.
func (s *Store) Connect(sourceID, targetID, kind string) (string, bool) {
	s.mu.Lock()
	src, srcOK := s.nodes[sourceID]
	dst, dstOK := s.nodes[targetID]
	if !srcOK || !dstOK || src.Status != StatusIdle || dst.Status != StatusIdle {
		s.mu.Unlock()
		return "", false
	}
	id := fmt.Sprintf("edge-%s", uuid.New().String()[:8])
	s.edges[id] = &Edge{ID: id, Source: sourceID, Target: targetID, Kind: kind}
	s.mu.Unlock()

	s.notify(Change{Type: ChangeEdgeAdded, EdgeID: id})
	return id, true
}

// Move updates a node's canvas position. Position is canvas-owned state;
// generation outcomes never touch it and moves never touch payloads.
func (s *Store) Move(id string, pos Position) bool {
	s.mu.Lock()
	node, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	node.Position = pos
	snapshot := node.clone()
	s.mu.Unlock()
	s.notify(Change{Type: ChangeNodeMoved, NodeID: id, Node: &snapshot})
	return true
}

// Remove deletes a node and its incident edges.
// Any active generation targeting the node is cancelled first.
func (s *Store) Remove(id string) {
	s.reg.Cancel(id)

	s.mu.Lock()
	sub := s.subs[id]
	delete(s.subs, id)
	if _, ok := s.nodes[id]; !ok {
		s.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return
	}
	delete(s.nodes, id)
	delete(s.superseded, id)
	for eid, e := range s.edges {
		if e.Source == id || e.Target == id {
			delete(s.edges, eid)
		}
	}
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.notify(Change{Type: ChangeNodeRemoved, NodeID: id})
}

// Node returns a copy of the node, if present.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return node.clone(), true
}

// Nodes returns copies of all nodes, ordered by id.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns copies of all edges, ordered by id.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch registers a change listener and returns its id for Unwatch.
func (s *Store) Watch(fn func(Change)) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWatch++
	s.watchers[s.nextWatch] = fn
	return s.nextWatch
}

// Unwatch removes a change listener.
func (s *Store) Unwatch(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, id)
}

// Close detaches all registry subscriptions.
func (s *Store) Close() {
	s.mu.Lock()
	subs := make([]*generation.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*generation.Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// notify delivers a change to all watchers outside the store lock.
func (s *Store) notify(c Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

func ptr(n Node) *Node { return &n }
