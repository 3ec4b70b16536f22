// ABOUTME: Tests for the session state reducer and transition validation.
// ABOUTME: Covers START/END pairing, build attempts, claims, requeue, and ledger replay.
package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/2389-research/labrecord/session/core"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func makeEvent(seq uint64, id string, ts time.Time, typ core.EventType, status core.RecordStatus) core.Event {
	e := core.NewEvent(id, "titan-01", ts, typ, status)
	e.Seq = seq
	return e
}

func TestApplyStartThenEndProducesCompleteSession(t *testing.T) {
	st := core.NewSessionState("s1", "titan-01")
	start := makeEvent(1, "s1", t0, core.EventStart, core.StatusWaitingForEnd)
	start.User = "alice"
	st.Apply(&start)

	if st.Status != core.StatusWaitingForEnd {
		t.Fatalf("status = %s, want WAITING_FOR_END", st.Status)
	}
	if _, ok := st.Session(); ok {
		t.Fatal("session should not be complete before END")
	}

	end := makeEvent(2, "s1", t0.Add(2*time.Hour), core.EventEnd, core.StatusToBeBuilt)
	st.Apply(&end)

	sess, ok := st.Session()
	if !ok {
		t.Fatal("session should be complete after END")
	}
	if sess.Status != core.StatusToBeBuilt {
		t.Errorf("status = %s, want TO_BE_BUILT", sess.Status)
	}
	if !sess.Start.Equal(t0) || !sess.End.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("window = [%v, %v]", sess.Start, sess.End)
	}
	if sess.User != "alice" {
		t.Errorf("user = %q, want alice", sess.User)
	}
	if st.LastSeq != 2 {
		t.Errorf("LastSeq = %d, want 2", st.LastSeq)
	}
}

func TestApplyRecordGenerationCountsAttemptsAndClaims(t *testing.T) {
	events := []core.Event{
		makeEvent(1, "s1", t0, core.EventStart, core.StatusWaitingForEnd),
		makeEvent(2, "s1", t0.Add(time.Hour), core.EventEnd, core.StatusToBeBuilt),
		makeEvent(3, "s1", t0.Add(3*time.Hour), core.EventRecordGeneration, core.StatusToBeBuilt),
	}
	events[2].Note = "worker-a"
	l := core.Replay(events)

	st, ok := l.Get("s1")
	if !ok {
		t.Fatal("session s1 missing from ledger")
	}
	if st.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", st.Attempts)
	}
	if st.ClaimedBy != "worker-a" {
		t.Errorf("claimed_by = %q, want worker-a", st.ClaimedBy)
	}
	if !st.Claimed(t0.Add(3*time.Hour+time.Minute), time.Hour) {
		t.Error("claim should be live one minute after it was taken")
	}
	if st.Claimed(t0.Add(5*time.Hour), time.Hour) {
		t.Error("claim older than ttl should be treated as abandoned")
	}

	done := makeEvent(4, "s1", t0.Add(4*time.Hour), core.EventStatusChange, core.StatusCompleted)
	l.Apply(&done)
	if st.Status != core.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", st.Status)
	}
	if st.ClaimedAt != nil {
		t.Error("status change should release the claim")
	}
	if l.LastSeq != 4 {
		t.Errorf("ledger LastSeq = %d, want 4", l.LastSeq)
	}
}

func TestLedgerStatesSortedByID(t *testing.T) {
	l := core.Replay([]core.Event{
		makeEvent(1, "b", t0, core.EventStart, core.StatusWaitingForEnd),
		makeEvent(2, "a", t0, core.EventStart, core.StatusWaitingForEnd),
	})
	states := l.States()
	if len(states) != 2 || states[0].SessionID != "a" || states[1].SessionID != "b" {
		t.Fatalf("unexpected order: %+v", states)
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name string
		from core.RecordStatus
		typ  core.EventType
		to   core.RecordStatus
		ok   bool
	}{
		{"start new", "", core.EventStart, core.StatusWaitingForEnd, true},
		{"second start", core.StatusWaitingForEnd, core.EventStart, core.StatusWaitingForEnd, false},
		{"end", core.StatusWaitingForEnd, core.EventEnd, core.StatusToBeBuilt, true},
		{"end without start", "", core.EventEnd, core.StatusToBeBuilt, false},
		{"claim", core.StatusToBeBuilt, core.EventRecordGeneration, core.StatusToBeBuilt, true},
		{"claim waiting", core.StatusWaitingForEnd, core.EventRecordGeneration, core.StatusToBeBuilt, false},
		{"retry error", core.StatusError, core.EventRecordGeneration, core.StatusToBeBuilt, true},
		{"complete", core.StatusToBeBuilt, core.EventStatusChange, core.StatusCompleted, true},
		{"no files", core.StatusToBeBuilt, core.EventStatusChange, core.StatusNoFilesFound, true},
		{"error", core.StatusToBeBuilt, core.EventStatusChange, core.StatusError, true},
		{"requeue error", core.StatusError, core.EventStatusChange, core.StatusToBeBuilt, true},
		{"requeue completed", core.StatusCompleted, core.EventStatusChange, core.StatusToBeBuilt, false},
		{"to be built to itself", core.StatusToBeBuilt, core.EventStatusChange, core.StatusToBeBuilt, false},
		{"error to completed", core.StatusError, core.EventStatusChange, core.StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := core.ValidateTransition(tt.from, tt.typ, tt.to)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				var te *core.TransitionError
				if !errors.As(err, &te) {
					t.Fatalf("expected TransitionError, got %v", err)
				}
			}
		})
	}
}

func TestWindowOverlap(t *testing.T) {
	w := core.Window{Start: t0, End: t0.Add(2 * time.Hour)}
	other := core.Window{Start: t0.Add(time.Hour), End: t0.Add(4 * time.Hour)}
	if got := w.Overlap(other); got != time.Hour {
		t.Errorf("overlap = %v, want 1h", got)
	}
	disjoint := core.Window{Start: t0.Add(3 * time.Hour), End: t0.Add(4 * time.Hour)}
	if got := w.Overlap(disjoint); got != 0 {
		t.Errorf("disjoint overlap = %v, want 0", got)
	}
	if !w.Contains(t0) || !w.Contains(t0.Add(2*time.Hour)) {
		t.Error("window should contain both endpoints")
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := core.ParseStatus("COMPLETED"); err != nil {
		t.Fatalf("ParseStatus(COMPLETED): %v", err)
	}
	if _, err := core.ParseStatus("DONE"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
