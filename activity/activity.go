// ABOUTME: File and Activity types: one data file found for a session, and a time-contiguous
// ABOUTME: cluster of files sharing one instrument setup.
package activity

import (
	"fmt"
	"time"
)

// File is one data file found in a session window. Metadata, Preview and
// Digest are filled in while the activity is populated.
type File struct {
	Path      string    `json:"path"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest,omitempty"`
	Extractor string    `json:"extractor,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Activity is one acquisition activity: an ordered run of files and the
// setup parameters they all share.
type Activity struct {
	Seq      int       `json:"seq"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Files    []File    `json:"files"`
	Setup    *Metadata `json:"setup,omitempty"`
	SampleID string    `json:"sample_id,omitempty"`
}

// Duration returns End - Start.
func (a *Activity) Duration() time.Duration {
	return a.End.Sub(a.Start)
}

func (a *Activity) String() string {
	return fmt.Sprintf("activity %d (%d files, %s .. %s)", a.Seq, len(a.Files),
		a.Start.Format(time.RFC3339), a.End.Format(time.RFC3339))
}

// Separate splits the activity's file metadata into shared setup parameters
// and per-file residuals, replacing each file's Metadata with its residual.
func (a *Activity) Separate() {
	metas := make([]*Metadata, len(a.Files))
	for i := range a.Files {
		metas[i] = a.Files[i].Metadata
	}
	setup, residuals := Separate(metas)
	a.Setup = setup
	for i := range a.Files {
		a.Files[i].Metadata = residuals[i]
	}
}
