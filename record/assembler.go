// ABOUTME: Assembler builds an ExperimentRecord from a session, its finalized activities, and the
// ABOUTME: best-matching reservation, falling back to a placeholder summary when none matches.
package record

import (
	"fmt"
	"time"

	"github.com/2389-research/labrecord/activity"
	"github.com/2389-research/labrecord/calendar"
	"github.com/2389-research/labrecord/session/core"
	"github.com/google/uuid"
)

// Assembler turns build inputs into an ExperimentRecord.
type Assembler struct {
	NewID func() string
	Now   func() time.Time
}

// NewAssembler returns an assembler using random UUIDs and the wall clock.
func NewAssembler() *Assembler {
	return &Assembler{
		NewID: func() string { return uuid.New().String() },
		Now:   time.Now,
	}
}

// Assemble builds the record. events may be empty: the record then uses the
// degraded summary. Activity and dataset order are kept as given.
func (a *Assembler) Assemble(sess core.Session, inst Instrument, events []calendar.Event, acts []*activity.Activity) *ExperimentRecord {
	newID := a.NewID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	now := a.Now
	if now == nil {
		now = time.Now
	}

	rec := &ExperimentRecord{
		ID:         newID(),
		SessionID:  sess.ID,
		CreatedAt:  now().UTC(),
		Instrument: inst,
		Activities: acts,
	}

	match, ok := calendar.BestMatch(events, sess.Window())
	if ok {
		rec.Summary = matchedSummary(sess, match)
		rec.Sample = Sample{ID: match.SampleID, Name: match.SampleID, Description: match.SampleDescription}
		rec.Project = match.Project
	} else {
		rec.Degraded = true
		rec.Summary = degradedSummary(sess, inst)
	}
	if rec.Sample.ID == "" {
		rec.Sample.ID = newID()
	}

	for _, act := range acts {
		if act.SampleID == "" {
			act.SampleID = rec.Sample.ID
		}
	}
	return rec
}

func matchedSummary(sess core.Session, e calendar.Event) Summary {
	from, until := e.Start, e.End
	s := Summary{
		Title:         e.Title,
		Experimenter:  e.Experimenter,
		Motivation:    e.Purpose,
		Collaborators: e.Collaborators,
		SessionStart:  sess.Start,
		SessionEnd:    sess.End,
		ReservationID: e.ID,
		ReservedFrom:  &from,
		ReservedUntil: &until,
		Link:          e.Link,
	}
	if s.Title == "" {
		s.Title = NoMatchTitle
	}
	if s.Experimenter == "" {
		s.Experimenter = sess.User
	}
	return s
}

func degradedSummary(sess core.Session, inst Instrument) Summary {
	return Summary{
		Title:        NoMatchTitle,
		Experimenter: sess.User,
		Description: fmt.Sprintf("%s session on %s from %s to %s UTC",
			inst.DisplayName(),
			sess.Start.UTC().Format("2006-01-02"),
			sess.Start.UTC().Format("15:04:05"),
			sess.End.UTC().Format("15:04:05")),
		SessionStart: sess.Start,
		SessionEnd:   sess.End,
	}
}
