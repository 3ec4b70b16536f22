// ABOUTME: Build lifecycle events emitted by the Builder so callers can observe progress
// ABOUTME: without parsing logs. Delivery is synchronous on the building goroutine.
package builder

import "time"

// EventType identifies a build lifecycle event.
type EventType string

const (
	EventCycleStarted     EventType = "cycle.started"
	EventCycleCompleted   EventType = "cycle.completed"
	EventSessionClaimed   EventType = "session.claimed"
	EventSessionSkipped   EventType = "session.skipped"
	EventFilesLocated     EventType = "session.files_located"
	EventActivitiesBuilt  EventType = "session.activities_built"
	EventRecordWritten    EventType = "record.written"
	EventRecordUploaded   EventType = "record.uploaded"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
)

// Event is one build lifecycle event.
type Event struct {
	Type      EventType
	SessionID string
	Data      map[string]any
	Timestamp time.Time
}

// EventHandler receives events. With more than one worker it is called
// from several goroutines.
type EventHandler func(Event)

func (b *Builder) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if b.cfg.EventHandler != nil {
		b.cfg.EventHandler(evt)
	}
}
