package session

import "github.com/randalmurphal/storyweave/pkg/weave/stream"

// reorderBuffer holds fragments that arrived ahead of the next expected
// sequence number. The transport is not expected to reorder, but the session
// contract tolerates it up to a bound; overflow fails the session.
type reorderBuffer struct {
	max     int
	pending map[int64]stream.Increment
}

func newReorderBuffer(max int) *reorderBuffer {
	return &reorderBuffer{
		max:     max,
		pending: make(map[int64]stream.Increment),
	}
}

// put stores an out-of-order fragment.
// Returns false when the buffer is already at capacity.
func (b *reorderBuffer) put(inc stream.Increment) bool {
	if _, dup := b.pending[inc.Sequence]; dup {
		return true
	}
	if len(b.pending) >= b.max {
		return false
	}
	b.pending[inc.Sequence] = inc
	return true
}

// take removes and returns the fragment with the given sequence, if held.
func (b *reorderBuffer) take(seq int64) (stream.Increment, bool) {
	inc, ok := b.pending[seq]
	if ok {
		delete(b.pending, seq)
	}
	return inc, ok
}

// len returns the number of buffered fragments.
func (b *reorderBuffer) len() int {
	return len(b.pending)
}
