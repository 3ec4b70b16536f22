// ABOUTME: SessionState is the materialized status of one session, built by folding ledger events.
// ABOUTME: Ledger folds a whole event log; the store persists the same projection as a status view.
package core

import (
	"sort"
	"time"
)

// SessionState is the derived current view of one session identifier.
type SessionState struct {
	SessionID  string       `json:"session_identifier"`
	Instrument string       `json:"instrument_id"`
	Status     RecordStatus `json:"record_status"`
	Start      *time.Time   `json:"start_time,omitempty"`
	End        *time.Time   `json:"end_time,omitempty"`
	User       string       `json:"user,omitempty"`
	Attempts   int          `json:"attempts"`
	ClaimedAt  *time.Time   `json:"claimed_at,omitempty"`
	ClaimedBy  string       `json:"claimed_by,omitempty"`
	LastSeq    uint64       `json:"last_seq"`
}

// NewSessionState returns an empty state for the given session.
func NewSessionState(sessionID, instrument string) *SessionState {
	return &SessionState{SessionID: sessionID, Instrument: instrument}
}

// Apply folds one event into the state. The latest row always determines
// the status; transition rules are enforced when events are appended, not
// when they are replayed.
func (s *SessionState) Apply(e *Event) {
	if s.Instrument == "" {
		s.Instrument = e.Instrument
	}
	if e.User != "" && s.User == "" {
		s.User = e.User
	}

	switch e.Type {
	case EventStart:
		t := e.Timestamp
		s.Start = &t
		s.End = nil
	case EventEnd:
		t := e.Timestamp
		s.End = &t
	case EventRecordGeneration:
		t := e.Timestamp
		s.Attempts++
		s.ClaimedAt = &t
		s.ClaimedBy = e.Note
	case EventStatusChange:
		s.ClaimedAt = nil
		s.ClaimedBy = ""
	}

	s.Status = e.Status
	if e.Seq > s.LastSeq {
		s.LastSeq = e.Seq
	}
}

// Complete reports whether both a START and an END have been logged.
func (s *SessionState) Complete() bool {
	return s.Start != nil && s.End != nil
}

// Claimed reports whether a build attempt holds the session at time now.
// Claims older than ttl are treated as abandoned. A zero ttl never expires.
func (s *SessionState) Claimed(now time.Time, ttl time.Duration) bool {
	if s.ClaimedAt == nil {
		return false
	}
	if ttl <= 0 {
		return true
	}
	return now.Sub(*s.ClaimedAt) < ttl
}

// Session converts a complete state into a Session. Returns false when the
// END has not been logged yet.
func (s *SessionState) Session() (Session, bool) {
	if !s.Complete() {
		return Session{}, false
	}
	return Session{
		ID:         s.SessionID,
		Instrument: s.Instrument,
		Start:      *s.Start,
		End:        *s.End,
		Status:     s.Status,
		User:       s.User,
		Attempts:   s.Attempts,
	}, true
}

// Ledger is the full projection of an event log: one SessionState per
// session identifier.
type Ledger struct {
	sessions map[string]*SessionState
	LastSeq  uint64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{sessions: make(map[string]*SessionState)}
}

// Apply folds one event into the ledger.
func (l *Ledger) Apply(e *Event) {
	st, ok := l.sessions[e.SessionID]
	if !ok {
		st = NewSessionState(e.SessionID, e.Instrument)
		l.sessions[e.SessionID] = st
	}
	st.Apply(e)
	if e.Seq > l.LastSeq {
		l.LastSeq = e.Seq
	}
}

// Replay folds events in order and returns the resulting ledger.
func Replay(events []Event) *Ledger {
	l := NewLedger()
	for i := range events {
		l.Apply(&events[i])
	}
	return l
}

// Get returns the state for a session identifier.
func (l *Ledger) Get(sessionID string) (*SessionState, bool) {
	st, ok := l.sessions[sessionID]
	return st, ok
}

// Len returns the number of sessions in the ledger.
func (l *Ledger) Len() int {
	return len(l.sessions)
}

// States returns every session state ordered by session identifier.
func (l *Ledger) States() []*SessionState {
	out := make([]*SessionState, 0, len(l.sessions))
	for _, st := range l.sessions {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out
}
