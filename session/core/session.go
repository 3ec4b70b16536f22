// ABOUTME: Session is the in-memory pairing of a START and END for one instrument use.
// ABOUTME: Window is the closed time interval a session covers, used by the locator and harvester.
package core

import (
	"fmt"
	"time"
)

// Session is one completed instrument-use interval awaiting or past a build.
type Session struct {
	ID         string
	Instrument string
	Start      time.Time
	End        time.Time
	Status     RecordStatus
	User       string
	Attempts   int
}

// Window returns the session's time interval.
func (s Session) Window() Window {
	return Window{Start: s.Start, End: s.End}
}

func (s Session) String() string {
	return fmt.Sprintf("%s@%s [%s, %s]", s.ID, s.Instrument,
		s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
}

// Window is a closed time interval [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies within the window, inclusive of both ends.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Overlap returns the length of the intersection of w and other, or zero.
func (w Window) Overlap(other Window) time.Duration {
	start := w.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := w.End
	if other.End.Before(end) {
		end = other.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}
