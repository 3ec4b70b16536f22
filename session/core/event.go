// ABOUTME: Event is the immutable envelope for one session ledger row (START, END, RECORD_GENERATION, STATUS_CHANGE).
// ABOUTME: Defines EventType and RecordStatus enums plus the allowed status transitions.
package core

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies what kind of ledger row an Event is.
type EventType string

const (
	// EventStart is written by the logger client when an instrument session begins.
	EventStart EventType = "START"
	// EventEnd is written by the logger client when the session ends.
	EventEnd EventType = "END"
	// EventRecordGeneration marks the start of a build attempt, before any side effects.
	EventRecordGeneration EventType = "RECORD_GENERATION"
	// EventStatusChange records a status transition that is neither a
	// boundary nor a build attempt (build outcomes, manual requeue).
	EventStatusChange EventType = "STATUS_CHANGE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventEnd, EventRecordGeneration, EventStatusChange:
		return true
	}
	return false
}

// RecordStatus is the persisted build state of a session.
type RecordStatus string

const (
	StatusWaitingForEnd RecordStatus = "WAITING_FOR_END"
	StatusToBeBuilt     RecordStatus = "TO_BE_BUILT"
	StatusCompleted     RecordStatus = "COMPLETED"
	StatusError         RecordStatus = "ERROR"
	StatusNoFilesFound  RecordStatus = "NO_FILES_FOUND"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []RecordStatus{
	StatusWaitingForEnd,
	StatusToBeBuilt,
	StatusCompleted,
	StatusError,
	StatusNoFilesFound,
}

// Valid reports whether s is a known status.
func (s RecordStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an outcome of a build attempt.
func (s RecordStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusNoFilesFound
}

// ParseStatus converts a string into a RecordStatus.
func ParseStatus(s string) (RecordStatus, error) {
	st := RecordStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown record status %q", s)
	}
	return st, nil
}

// Event is one immutable row of the session ledger.
type Event struct {
	EventID    ulid.ULID    `json:"event_id"`
	Seq        uint64       `json:"seq"`
	SessionID  string       `json:"session_identifier"`
	Instrument string       `json:"instrument_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Type       EventType    `json:"event_type"`
	Status     RecordStatus `json:"record_status"`
	User       string       `json:"user,omitempty"`
	Note       string       `json:"note,omitempty"`
}

// NewEvent builds an Event with a fresh ULID. Seq is assigned by the store.
func NewEvent(sessionID, instrument string, ts time.Time, typ EventType, status RecordStatus) Event {
	return Event{
		EventID:    NewULID(),
		SessionID:  sessionID,
		Instrument: instrument,
		Timestamp:  ts.UTC(),
		Type:       typ,
		Status:     status,
	}
}

// allowedTransitions maps an event type to the statuses a session may be in
// before the event and the status it carries afterwards.
var allowedTransitions = map[EventType]struct {
	from []RecordStatus
	to   []RecordStatus
}{
	EventStart:            {from: []RecordStatus{""}, to: []RecordStatus{StatusWaitingForEnd}},
	EventEnd:              {from: []RecordStatus{StatusWaitingForEnd}, to: []RecordStatus{StatusToBeBuilt}},
	EventRecordGeneration: {from: []RecordStatus{StatusToBeBuilt, StatusError}, to: []RecordStatus{StatusToBeBuilt}},
	EventStatusChange: {
		from: []RecordStatus{StatusToBeBuilt, StatusError, StatusNoFilesFound},
		to:   []RecordStatus{StatusCompleted, StatusError, StatusNoFilesFound, StatusToBeBuilt},
	},
}

// ValidateTransition checks that an event of type typ carrying status to may
// be appended to a session currently in status from. An empty from means the
// session has no rows yet.
func ValidateTransition(from RecordStatus, typ EventType, to RecordStatus) error {
	rule, ok := allowedTransitions[typ]
	if !ok {
		return fmt.Errorf("unknown event type %q", typ)
	}
	if !containsStatus(rule.from, from) || !containsStatus(rule.to, to) {
		return &TransitionError{From: from, Type: typ, To: to}
	}
	// A status change out of TO_BE_BUILT must be a build outcome, and a
	// status change back into TO_BE_BUILT must come from a finished attempt.
	if typ == EventStatusChange {
		if from == StatusToBeBuilt && !to.Terminal() {
			return &TransitionError{From: from, Type: typ, To: to}
		}
		if from != StatusToBeBuilt && to != StatusToBeBuilt {
			return &TransitionError{From: from, Type: typ, To: to}
		}
	}
	return nil
}

func containsStatus(list []RecordStatus, s RecordStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
