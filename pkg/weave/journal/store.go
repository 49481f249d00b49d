// Package journal provides durable per-target session records for recovery
// from partial failure.
//
// The generation registry writes a record whenever a session applies an
// increment or reaches a terminal state. After an interrupted connection or
// a process restart, a workspace can read back the last good buffer for a
// target instead of losing the partial generation.
package journal

import (
	"errors"
	"time"
)

// Record is the persisted snapshot of one target's most recent session.
type Record struct {
	// Target is the logical destination (node id, chat thread, buffer id).
	Target string `json:"target"`

	// SessionID identifies the session that produced this record.
	SessionID string `json:"session_id"`

	// State is the session state at write time.
	State string `json:"state"`

	// Buffer is the accumulated text.
	Buffer string `json:"buffer"`

	// LastSequence is the highest applied fragment sequence.
	LastSequence int64 `json:"last_sequence"`

	// Reason is the failure reason for failed/cancelled sessions.
	Reason string `json:"reason,omitempty"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists session records keyed by target.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores a record, overwriting any existing record for the target.
	Save(rec Record) error

	// Load retrieves the record for a target.
	// Returns ErrNotFound if no record exists.
	Load(target string) (Record, error)

	// List returns all records, ordered by target.
	List() ([]Record, error)

	// Delete removes the record for a target.
	// Returns nil if no record exists.
	Delete(target string) error

	// Close releases any resources.
	Close() error
}

// Sentinel errors for journal operations.
var (
	// ErrNotFound indicates no record exists for the target.
	ErrNotFound = errors.New("journal record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("journal store closed")
)
