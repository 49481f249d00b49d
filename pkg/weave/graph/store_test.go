package graph_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/storyweave/pkg/weave/generation"
	"github.com/randalmurphal/storyweave/pkg/weave/graph"
	"github.com/randalmurphal/storyweave/pkg/weave/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jsonTransport completes every stream with a small JSON payload.
func jsonTransport(payload string) stream.Transport {
	return stream.TransportFunc(func(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
		body := fmt.Sprintf("data: {\"type\":\"chunk\",\"seq\":1,\"content\":%q}\n"+
			"data: {\"type\":\"done\"}\n", payload)
		return io.NopCloser(strings.NewReader(body)), nil
	})
}

// openTransport keeps streams open until cancelled, emitting one fragment.
func openTransport(fragment string) stream.Transport {
	return stream.TransportFunc(func(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
		r, w := io.Pipe()
		go func() {
			fmt.Fprintf(w, "data: {\"type\":\"chunk\",\"seq\":1,\"content\":%q}\n", fragment)
			<-ctx.Done()
			w.Close()
		}()
		return r, nil
	})
}

func newStore(t *testing.T, tr stream.Transport) *graph.Store {
	t.Helper()
	reg := generation.NewRegistry(tr, generation.Config{ReleaseGrace: time.Minute})
	t.Cleanup(func() { reg.Close() })
	s := graph.NewStore(reg, nil)
	t.Cleanup(s.Close)
	return s
}

func awaitStatus(t *testing.T, s *graph.Store, id string, want graph.Status) graph.Node {
	t.Helper()
	var node graph.Node
	require.Eventually(t, func() bool {
		n, ok := s.Node(id)
		if !ok {
			return false
		}
		node = n
		return n.Status == want
	}, time.Second, 5*time.Millisecond)
	return node
}

func TestStore_CreateGeneratingResolvesIdle(t *testing.T) {
	s := newStore(t, jsonTransport(`{"name":"Mara","role":"detective"}`))

	id, err := s.CreateGenerating(context.Background(), graph.KindCharacter,
		stream.Request{Kind: "character", Prompt: "a detective"}, graph.Position{X: 10, Y: 20})
	require.NoError(t, err)

	// The node exists immediately, before the stream resolves.
	node, ok := s.Node(id)
	require.True(t, ok)
	assert.Equal(t, graph.KindCharacter, node.Kind)
	assert.Equal(t, graph.Position{X: 10, Y: 20}, node.Position)

	node = awaitStatus(t, s, id, graph.StatusIdle)
	assert.JSONEq(t, `{"name":"Mara","role":"detective"}`, string(node.Payload))
	assert.Empty(t, node.Diagnostic)
}

func TestStore_NonJSONPayloadResolvesError(t *testing.T) {
	s := newStore(t, jsonTransport(`not json at all`))

	id, err := s.CreateGenerating(context.Background(), graph.KindScene,
		stream.Request{Kind: "scene"}, graph.Position{})
	require.NoError(t, err)

	node := awaitStatus(t, s, id, graph.StatusError)
	assert.Equal(t, "malformed generation payload", node.Diagnostic)
	assert.Nil(t, node.Payload)
}

func TestStore_CancelledGenerationResolvesError(t *testing.T) {
	reg := generation.NewRegistry(openTransport("..."), generation.Config{ReleaseGrace: time.Minute})
	defer reg.Close()
	s := graph.NewStore(reg, nil)
	defer s.Close()

	id, err := s.CreateGenerating(context.Background(), graph.KindEvent,
		stream.Request{Kind: "event"}, graph.Position{})
	require.NoError(t, err)

	// Wait until streaming, then cancel the underlying session.
	require.Eventually(t, func() bool {
		sess, ok := reg.Lookup(id)
		return ok && sess.Buffer() != ""
	}, time.Second, 5*time.Millisecond)
	reg.Cancel(id)

	node := awaitStatus(t, s, id, graph.StatusError)
	assert.Equal(t, "cancelled", node.Diagnostic)
}

func TestStore_ProgressChangesReachWatchers(t *testing.T) {
	s := newStore(t, jsonTransport(`{"ok":true}`))

	var mu sync.Mutex
	var progress []string
	var resolved bool
	s.Watch(func(c graph.Change) {
		mu.Lock()
		defer mu.Unlock()
		switch c.Type {
		case graph.ChangeNodeProgress:
			progress = append(progress, c.Text)
		case graph.ChangeNodeResolved:
			resolved = true
		}
	})

	_, err := s.CreateGenerating(context.Background(), graph.KindLocation,
		stream.Request{Kind: "location"}, graph.Position{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resolved
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"ok":true}`}, progress)
}

func TestStore_ConnectRequiresBothIdle(t *testing.T) {
	s := newStore(t, jsonTransport(`{}`))

	a, err := s.CreateGenerating(context.Background(), graph.KindCharacter, stream.Request{}, graph.Position{})
	require.NoError(t, err)
	awaitStatus(t, s, a, graph.StatusIdle)

	// Second node held in loading.
	reg2 := generation.NewRegistry(openTransport("pending"), generation.Config{ReleaseGrace: time.Minute})
	defer reg2.Close()
	s2 := graph.NewStore(reg2, nil)
	defer s2.Close()
	b, err := s2.CreateGenerating(context.Background(), graph.KindScene, stream.Request{}, graph.Position{})
	require.NoError(t, err)

	// Missing endpoint.
	_, ok := s.Connect(a, "no-such-node", "appears_in")
	assert.False(t, ok)

	// Loading endpoint on its own store.
	_, ok = s2.Connect(b, b, "loops")
	assert.False(t, ok)
	assert.Empty(t, s2.Edges())

	// Both idle succeeds.
	c, err := s.CreateGenerating(context.Background(), graph.KindScene, stream.Request{}, graph.Position{})
	require.NoError(t, err)
	awaitStatus(t, s, c, graph.StatusIdle)

	edgeID, ok := s.Connect(a, c, "appears_in")
	require.True(t, ok)

	edges := s.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, edgeID, edges[0].ID)
	assert.Equal(t, a, edges[0].Source)
	assert.Equal(t, c, edges[0].Target)
	assert.Equal(t, "appears_in", edges[0].Kind)
}

func TestStore_MoveUpdatesOnlyPosition(t *testing.T) {
	s := newStore(t, jsonTransport(`{"kept":"payload"}`))

	id, err := s.CreateGenerating(context.Background(), graph.KindCharacter, stream.Request{}, graph.Position{X: 1, Y: 1})
	require.NoError(t, err)
	awaitStatus(t, s, id, graph.StatusIdle)

	require.True(t, s.Move(id, graph.Position{X: 50, Y: 60}))
	node, ok := s.Node(id)
	require.True(t, ok)
	assert.Equal(t, graph.Position{X: 50, Y: 60}, node.Position)
	assert.JSONEq(t, `{"kept":"payload"}`, string(node.Payload))

	assert.False(t, s.Move("no-such-node", graph.Position{}))
}

func TestStore_RemoveDeletesNodeAndIncidentEdges(t *testing.T) {
	s := newStore(t, jsonTransport(`{}`))

	a, _ := s.CreateGenerating(context.Background(), graph.KindCharacter, stream.Request{}, graph.Position{})
	b, _ := s.CreateGenerating(context.Background(), graph.KindScene, stream.Request{}, graph.Position{})
	c, _ := s.CreateGenerating(context.Background(), graph.KindLocation, stream.Request{}, graph.Position{})
	awaitStatus(t, s, a, graph.StatusIdle)
	awaitStatus(t, s, b, graph.StatusIdle)
	awaitStatus(t, s, c, graph.StatusIdle)

	_, ok := s.Connect(a, b, "appears_in")
	require.True(t, ok)
	_, ok = s.Connect(b, c, "set_in")
	require.True(t, ok)

	s.Remove(b)

	_, exists := s.Node(b)
	assert.False(t, exists)
	assert.Empty(t, s.Edges())
	assert.Len(t, s.Nodes(), 2)

	// Removing an absent node is a no-op.
	s.Remove("no-such-node")
}

func TestStore_RemoveCancelsActiveGeneration(t *testing.T) {
	reg := generation.NewRegistry(openTransport("..."), generation.Config{ReleaseGrace: time.Minute})
	defer reg.Close()
	s := graph.NewStore(reg, nil)
	defer s.Close()

	id, err := s.CreateGenerating(context.Background(), graph.KindScene, stream.Request{}, graph.Position{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := reg.Lookup(id)
		return ok && sess.Buffer() != ""
	}, time.Second, 5*time.Millisecond)
	sess, _ := reg.Lookup(id)

	s.Remove(id)

	<-sess.Done()
	assert.True(t, sess.State().Terminal())
	_, exists := s.Node(id)
	assert.False(t, exists)
}

func TestStore_RegenerateReplacesPayload(t *testing.T) {
	// Transport returns the prompt as the payload.
	tr := stream.TransportFunc(func(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
		body := fmt.Sprintf("data: {\"type\":\"chunk\",\"seq\":1,\"content\":%q}\ndata: {\"type\":\"done\"}\n", req.Prompt)
		return io.NopCloser(strings.NewReader(body)), nil
	})
	s := newStore(t, tr)

	id, err := s.CreateGenerating(context.Background(), graph.KindCharacter,
		stream.Request{Prompt: `{"draft":1}`}, graph.Position{})
	require.NoError(t, err)
	awaitStatus(t, s, id, graph.StatusIdle)

	require.NoError(t, s.Regenerate(context.Background(), id, stream.Request{Prompt: `{"draft":2}`}))
	require.Eventually(t, func() bool {
		n, ok := s.Node(id)
		return ok && n.Status == graph.StatusIdle && string(n.Payload) == `{"draft":2}`
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, s.Regenerate(context.Background(), "no-such-node", stream.Request{}))
}

func TestStore_RegenerateWhileStreamingResolvesFromNewSession(t *testing.T) {
	// First stream hangs mid-generation; later streams complete with the
	// prompt as payload.
	var calls atomic.Int32
	tr := stream.TransportFunc(func(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
		if calls.Add(1) == 1 {
			r, w := io.Pipe()
			go func() {
				fmt.Fprintf(w, "data: {\"type\":\"chunk\",\"seq\":1,\"content\":\"partial\"}\n")
				<-ctx.Done()
				w.Close()
			}()
			return r, nil
		}
		body := fmt.Sprintf("data: {\"type\":\"chunk\",\"seq\":1,\"content\":%q}\ndata: {\"type\":\"done\"}\n", req.Prompt)
		return io.NopCloser(strings.NewReader(body)), nil
	})

	reg := generation.NewRegistry(tr, generation.Config{ReleaseGrace: time.Minute})
	defer reg.Close()
	s := graph.NewStore(reg, nil)
	defer s.Close()

	id, err := s.CreateGenerating(context.Background(), graph.KindCharacter,
		stream.Request{Prompt: `{"draft":1}`}, graph.Position{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := reg.Lookup(id)
		return ok && sess.Buffer() == "partial"
	}, time.Second, 5*time.Millisecond)

	// Regenerating mid-stream force-cancels the first session. Its cancelled
	// echo must not drive the node to error; the replacement session owns
	// the resolution.
	require.NoError(t, s.Regenerate(context.Background(), id, stream.Request{Prompt: `{"draft":2}`}))

	node := awaitStatus(t, s, id, graph.StatusIdle)
	assert.JSONEq(t, `{"draft":2}`, string(node.Payload))
	assert.Empty(t, node.Diagnostic)
}
