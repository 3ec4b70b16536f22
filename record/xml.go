// ABOUTME: XML serialization of ExperimentRecord into the facility's experiment document, and the
// ABOUTME: matching decoder used by the schema validator.
package record

import (
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389-research/labrecord/activity"
)

// Namespace is the XML namespace of experiment documents.
const Namespace = "https://labrecord.dev/schema/experiment/v1"

type xmlExperiment struct {
	XMLName    xml.Name      `xml:"Experiment"`
	Xmlns      string        `xml:"xmlns,attr"`
	ID         string        `xml:"id,attr"`
	Session    string        `xml:"session,attr"`
	Degraded   bool          `xml:"degraded,attr,omitempty"`
	Title      string        `xml:"title"`
	Summary    xmlSummary    `xml:"summary"`
	Sample     xmlSample     `xml:"sample"`
	Activities []xmlActivity `xml:"acquisitionActivity"`
}

type xmlSummary struct {
	Experimenter     string        `xml:"experimenter,omitempty"`
	Instrument       xmlInstrument `xml:"instrument"`
	SessionStart     string        `xml:"sessionStart"`
	SessionEnd       string        `xml:"sessionEnd"`
	ReservationID    string        `xml:"reservation,omitempty"`
	ReservationStart string        `xml:"reservationStart,omitempty"`
	ReservationEnd   string        `xml:"reservationEnd,omitempty"`
	Motivation       string        `xml:"motivation,omitempty"`
	Description      string        `xml:"description,omitempty"`
	Project          string        `xml:"project,omitempty"`
	Collaborators    []string      `xml:"collaborator"`
}

type xmlInstrument struct {
	PID      string `xml:"pid,attr"`
	Location string `xml:"location,attr,omitempty"`
	Name     string `xml:",chardata"`
}

type xmlSample struct {
	ID          string `xml:"id,attr"`
	Name        string `xml:"name,omitempty"`
	Description string `xml:"description,omitempty"`
}

type xmlActivity struct {
	Seq      int          `xml:"seqno,attr"`
	Start    string       `xml:"startTime"`
	End      string       `xml:"endTime"`
	SampleID string       `xml:"sampleID"`
	Setup    []xmlParam   `xml:"setup>param"`
	Datasets []xmlDataset `xml:"dataset"`
}

type xmlParam struct {
	Name    string `xml:"name,attr"`
	Warning bool   `xml:"warning,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type xmlDataset struct {
	Type     string     `xml:"type,attr,omitempty"`
	Name     string     `xml:"name"`
	Location string     `xml:"location"`
	Modified string     `xml:"modified"`
	Size     int64      `xml:"size"`
	Digest   string     `xml:"digest,omitempty"`
	Preview  string     `xml:"preview,omitempty"`
	Meta     []xmlParam `xml:"meta"`
}

// MarshalXML renders rec as an indented experiment document with an XML
// declaration.
func MarshalXML(rec *ExperimentRecord) ([]byte, error) {
	doc := toXML(rec)
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

func parseXML(doc []byte) (*xmlExperiment, error) {
	var x xmlExperiment
	if err := xml.Unmarshal(doc, &x); err != nil {
		return nil, err
	}
	return &x, nil
}

func toXML(rec *ExperimentRecord) xmlExperiment {
	s := rec.Summary
	x := xmlExperiment{
		Xmlns:    Namespace,
		ID:       rec.ID,
		Session:  rec.SessionID,
		Degraded: rec.Degraded,
		Title:    s.Title,
		Summary: xmlSummary{
			Experimenter: s.Experimenter,
			Instrument: xmlInstrument{
				PID:      rec.Instrument.ID,
				Location: rec.Instrument.Location,
				Name:     rec.Instrument.DisplayName(),
			},
			SessionStart:  formatTime(s.SessionStart),
			SessionEnd:    formatTime(s.SessionEnd),
			ReservationID: s.ReservationID,
			Motivation:    s.Motivation,
			Description:   s.Description,
			Project:       rec.Project,
			Collaborators: s.Collaborators,
		},
		Sample: xmlSample{
			ID:          rec.Sample.ID,
			Name:        rec.Sample.Name,
			Description: rec.Sample.Description,
		},
	}
	if s.ReservedFrom != nil {
		x.Summary.ReservationStart = formatTime(*s.ReservedFrom)
	}
	if s.ReservedUntil != nil {
		x.Summary.ReservationEnd = formatTime(*s.ReservedUntil)
	}

	for _, act := range rec.Activities {
		xa := xmlActivity{
			Seq:      act.Seq,
			Start:    formatTime(act.Start),
			End:      formatTime(act.End),
			SampleID: act.SampleID,
			Setup:    params(act.Setup),
		}
		for _, f := range act.Files {
			xa.Datasets = append(xa.Datasets, xmlDataset{
				Type:     f.Extractor,
				Name:     filepath.Base(f.Path),
				Location: location(rec.Instrument.StorageRoot, f.Path),
				Modified: formatTime(f.ModTime),
				Size:     f.Size,
				Digest:   f.Digest,
				Preview:  f.Preview,
				Meta:     params(f.Metadata),
			})
		}
		x.Activities = append(x.Activities, xa)
	}
	return x
}

func params(md *activity.Metadata) []xmlParam {
	var out []xmlParam
	md.Range(func(key string, value any) bool {
		out = append(out, xmlParam{Name: key, Warning: md.Unreliable(key), Value: activity.FormatValue(value)})
		return true
	})
	return out
}

// location returns path relative to the instrument storage root when it
// lies beneath it.
func location(root, path string) string {
	if root == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(path)
	}
	return "/" + filepath.ToSlash(rel)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
