// ABOUTME: Sentinel and typed errors for the session ledger state machine.
// ABOUTME: Returned by the store when a logger client or builder requests an invalid transition.
package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionAlreadyOpen indicates a START was logged while an earlier START
	// for the same session is still waiting for its END.
	ErrSessionAlreadyOpen = errors.New("session already has an unresolved START")

	// ErrNoOpenSession indicates an END was logged without a matching START.
	ErrNoOpenSession = errors.New("no open START for session")

	// ErrSessionNotFound indicates no ledger rows exist for the session identifier.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyClaimed indicates another worker holds the build claim.
	ErrAlreadyClaimed = errors.New("session already claimed by another build")

	// ErrNotClaimable indicates the session is not in a status the builder consumes.
	ErrNotClaimable = errors.New("session is not awaiting a build")
)

// TransitionError indicates an event would move a session along an edge the
// state machine does not allow.
type TransitionError struct {
	From RecordStatus
	Type EventType
	To   RecordStatus
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "(none)"
	}
	return fmt.Sprintf("invalid transition %s -[%s]-> %s", from, e.Type, e.To)
}

// InstrumentMismatchError indicates an event names a different instrument
// than the session it belongs to.
type InstrumentMismatchError struct {
	SessionID string
	Expected  string
	Got       string
}

func (e *InstrumentMismatchError) Error() string {
	return fmt.Sprintf("session %s belongs to instrument %s, not %s", e.SessionID, e.Expected, e.Got)
}
