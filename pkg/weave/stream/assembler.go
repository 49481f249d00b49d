package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// ReasonStreamEnded is the synthesized failure reason when a stream ends
// without an explicit terminal increment.
const ReasonStreamEnded = "stream_ended_unexpectedly"

// dataMarker prefixes every payload-carrying line in the push-stream.
const dataMarker = "data:"

// Assembler reads a line-oriented push-stream body and yields typed
// increments. The sequence it produces is lazy, finite, and non-restartable:
// once a terminal increment has been returned, Next reports false forever.
//
// Lines that do not begin with the data marker (keep-alives, comments) and
// data lines that fail to JSON-decode are skipped, not fatal. If the body
// ends without an explicit terminal increment, the assembler synthesizes a
// failed increment with reason ReasonStreamEnded.
//
// Assembler is not safe for concurrent use; a session drives exactly one.
type Assembler struct {
	scanner *bufio.Scanner
	nextSeq int64
	done    bool
}

// NewAssembler wraps a push-stream body.
// The caller retains ownership of r and closes it after draining.
func NewAssembler(r io.Reader) *Assembler {
	sc := bufio.NewScanner(r)
	// Allow moderately large payload lines.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Assembler{scanner: sc}
}

// Next returns the next increment in the stream.
// It blocks until a line is available and returns ok=false only after a
// terminal increment has already been delivered.
func (a *Assembler) Next() (Increment, bool) {
	if a.done {
		return Increment{}, false
	}

	for a.scanner.Scan() {
		line := strings.TrimSpace(a.scanner.Text())
		if !strings.HasPrefix(line, dataMarker) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, dataMarker))
		if payload == "" {
			continue
		}

		var ev wireEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			// Tolerate malformed lines; the terminal contract is enforced
			// at end of stream, not per line.
			continue
		}

		inc, ok := a.convert(ev)
		if !ok {
			continue
		}
		if inc.Terminal() {
			a.done = true
		}
		return inc, true
	}

	// EOF or read error without an explicit terminal increment.
	a.done = true
	return Increment{
		Type:     IncrementFailed,
		Sequence: a.nextSeq + 1,
		Reason:   ReasonStreamEnded,
	}, true
}

// convert maps a decoded wire event onto an Increment, assigning an
// arrival-order sequence when the upstream omitted one.
func (a *Assembler) convert(ev wireEvent) (Increment, bool) {
	seq := ev.Seq
	if seq == 0 {
		seq = a.nextSeq + 1
	}

	switch ev.Type {
	case "chunk":
		if seq > a.nextSeq {
			a.nextSeq = seq
		}
		return Increment{Type: IncrementFragment, Sequence: seq, Text: ev.Content}, true
	case "done":
		return Increment{Type: IncrementCompleted, Sequence: seq, Metadata: ev.Metadata}, true
	case "error":
		reason := ev.Reason
		if reason == "" {
			reason = ev.Content
		}
		if reason == "" {
			reason = "upstream_error"
		}
		return Increment{Type: IncrementFailed, Sequence: seq, Reason: reason}, true
	default:
		// Unknown event types are skipped for forward compatibility.
		return Increment{}, false
	}
}

// Drain consumes the remaining increments, invoking fn for each.
// It returns the terminal increment, which is always present.
func (a *Assembler) Drain(fn func(Increment)) Increment {
	for {
		inc, ok := a.Next()
		if !ok {
			return Increment{Type: IncrementFailed, Reason: ReasonStreamEnded}
		}
		if fn != nil {
			fn(inc)
		}
		if inc.Terminal() {
			return inc
		}
	}
}
