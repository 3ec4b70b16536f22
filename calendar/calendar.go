// ABOUTME: Calendar reservations and the Harvester interface the builder uses to find the
// ABOUTME: reservation that best explains a session window.
package calendar

import (
	"context"
	"time"

	"github.com/2389-research/labrecord/session/core"
)

// Event is one reservation on an instrument calendar.
type Event struct {
	ID                string
	Title             string
	Experimenter      string
	Purpose           string
	SampleID          string
	SampleDescription string
	Project           string
	Collaborators     []string
	Start             time.Time
	End               time.Time
	Link              string
}

// Window returns the reservation interval.
func (e Event) Window() core.Window {
	return core.Window{Start: e.Start, End: e.End}
}

// Calendar identifies the reservation source for one instrument.
type Calendar struct {
	InstrumentID string
	URL          string
	// Location interprets reservation times that carry no zone.
	Location *time.Location
}

// Harvester fetches reservations that intersect a window. An empty result
// is valid and means no reservation was made.
type Harvester interface {
	Events(ctx context.Context, cal Calendar, window core.Window) ([]Event, error)
}

// HarvesterFunc adapts a function to Harvester.
type HarvesterFunc func(ctx context.Context, cal Calendar, window core.Window) ([]Event, error)

func (f HarvesterFunc) Events(ctx context.Context, cal Calendar, window core.Window) ([]Event, error) {
	return f(ctx, cal, window)
}

// None is a Harvester for instruments without a calendar.
var None = HarvesterFunc(func(context.Context, Calendar, core.Window) ([]Event, error) {
	return nil, nil
})

// BestMatch picks the reservation with the largest overlap with window.
// Ties go to the earlier reservation. A zero-length window matches a
// reservation that contains it.
func BestMatch(events []Event, window core.Window) (Event, bool) {
	var (
		best     Event
		bestOver time.Duration = -1
	)
	for _, e := range events {
		over := e.Window().Overlap(window)
		if over == 0 {
			if window.Duration() != 0 || !e.Window().Contains(window.Start) {
				continue
			}
		}
		if over > bestOver || (over == bestOver && e.Start.Before(best.Start)) {
			best, bestOver = e, over
		}
	}
	return best, bestOver >= 0
}
