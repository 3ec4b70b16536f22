// ABOUTME: ExperimentRecord aggregate: summary, sample, project, and the ordered acquisition
// ABOUTME: activities of one instrument session. Built once per session, then written and uploaded.
package record

import (
	"time"

	"github.com/2389-research/labrecord/activity"
)

// NoMatchTitle is the title used when no reservation explains a session.
const NoMatchTitle = "No matching calendar event found"

// Instrument is the instrument metadata a record carries.
type Instrument struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Location    string `json:"location,omitempty"`
	StorageRoot string `json:"storage_root,omitempty"`
}

// DisplayName returns Name, or ID when no name is configured.
func (i Instrument) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}

// Summary describes who used the instrument, when, and why.
type Summary struct {
	Title         string     `json:"title"`
	Experimenter  string     `json:"experimenter,omitempty"`
	Motivation    string     `json:"motivation,omitempty"`
	Description   string     `json:"description,omitempty"`
	Collaborators []string   `json:"collaborators,omitempty"`
	SessionStart  time.Time  `json:"session_start"`
	SessionEnd    time.Time  `json:"session_end"`
	ReservationID string     `json:"reservation_id,omitempty"`
	ReservedFrom  *time.Time `json:"reserved_from,omitempty"`
	ReservedUntil *time.Time `json:"reserved_until,omitempty"`
	Link          string     `json:"link,omitempty"`
}

// Sample identifies the specimen examined in the session.
type Sample struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ExperimentRecord is the document produced for one session.
type ExperimentRecord struct {
	ID         string               `json:"id"`
	SessionID  string               `json:"session_id"`
	CreatedAt  time.Time            `json:"created_at"`
	Instrument Instrument           `json:"instrument"`
	Summary    Summary              `json:"summary"`
	Sample     Sample               `json:"sample"`
	Project    string               `json:"project,omitempty"`
	Activities []*activity.Activity `json:"activities"`
	// Degraded is set when no reservation matched the session window.
	Degraded bool `json:"degraded"`
}

// DatasetCount returns the number of files across all activities.
func (r *ExperimentRecord) DatasetCount() int {
	n := 0
	for _, a := range r.Activities {
		n += len(a.Files)
	}
	return n
}

// TotalBytes returns the summed size of every dataset.
func (r *ExperimentRecord) TotalBytes() int64 {
	var n int64
	for _, a := range r.Activities {
		for _, f := range a.Files {
			n += f.Size
		}
	}
	return n
}
