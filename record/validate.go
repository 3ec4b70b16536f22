// ABOUTME: Validator checks a serialized experiment document against the structural rules of the
// ABOUTME: facility schema before upload. Failures carry every problem found, not just the first.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecord is matched by every *ValidationError.
var ErrInvalidRecord = errors.New("record failed validation")

// ValidationError lists the problems found in one document.
type ValidationError struct {
	RecordID string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %s invalid: %s", e.RecordID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRecord }

// Validator accepts or rejects a serialized record. A rejected record must
// not be uploaded.
type Validator interface {
	Validate(doc []byte, rec *ExperimentRecord) error
}

// SchemaValidator enforces the experiment document structure.
type SchemaValidator struct{}

// Validate returns nil or a *ValidationError.
func (SchemaValidator) Validate(doc []byte, rec *ExperimentRecord) error {
	id := ""
	if rec != nil {
		id = rec.ID
	}
	x, err := parseXML(doc)
	if err != nil {
		return &ValidationError{RecordID: id, Problems: []string{"not well-formed: " + err.Error()}}
	}

	var p problems
	if x.XMLName.Space != Namespace {
		p.addf("root namespace %q, want %q", x.XMLName.Space, Namespace)
	}
	if x.ID == "" {
		p.add("missing record id")
	}
	if strings.TrimSpace(x.Title) == "" {
		p.add("missing title")
	}
	if x.Summary.Instrument.PID == "" {
		p.add("missing instrument pid")
	}
	if x.Sample.ID == "" {
		p.add("missing sample id")
	}

	start, okStart := p.time("sessionStart", x.Summary.SessionStart)
	end, okEnd := p.time("sessionEnd", x.Summary.SessionEnd)
	if okStart && okEnd && end.Before(start) {
		p.add("session ends before it starts")
	}
	if (x.Summary.ReservationStart == "") != (x.Summary.ReservationEnd == "") {
		p.add("reservation window is incomplete")
	}

	if len(x.Activities) == 0 {
		p.add("no acquisition activities")
	}
	if rec != nil && len(rec.Activities) != len(x.Activities) {
		p.addf("document has %d activities, record has %d", len(x.Activities), len(rec.Activities))
	}

	var prevEnd time.Time
	for i, a := range x.Activities {
		if a.Seq != i {
			p.addf("activity %d has seqno %d", i, a.Seq)
		}
		as, ok1 := p.time(fmt.Sprintf("activity %d startTime", i), a.Start)
		ae, ok2 := p.time(fmt.Sprintf("activity %d endTime", i), a.End)
		if ok1 && ok2 {
			if ae.Before(as) {
				p.addf("activity %d ends before it starts", i)
			}
			if i > 0 && as.Before(prevEnd) {
				p.addf("activity %d overlaps activity %d", i, i-1)
			}
			prevEnd = ae
		}
		if len(a.Datasets) == 0 {
			p.addf("activity %d has no datasets", i)
		}
		p.uniqueNames(fmt.Sprintf("activity %d setup", i), a.Setup)
		for j, d := range a.Datasets {
			if d.Name == "" || d.Location == "" {
				p.addf("activity %d dataset %d missing name or location", i, j)
			}
			p.uniqueNames(fmt.Sprintf("activity %d dataset %d", i, j), d.Meta)
		}
	}

	if len(p) > 0 {
		return &ValidationError{RecordID: id, Problems: p}
	}
	return nil
}

type problems []string

func (p *problems) add(s string) { *p = append(*p, s) }

func (p *problems) addf(format string, args ...any) { p.add(fmt.Sprintf(format, args...)) }

func (p *problems) time(field, v string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		p.addf("%s: bad timestamp %q", field, v)
		return time.Time{}, false
	}
	return t, true
}

func (p *problems) uniqueNames(where string, params []xmlParam) {
	seen := make(map[string]bool, len(params))
	for _, param := range params {
		switch {
		case param.Name == "":
			p.addf("%s: parameter without name", where)
		case seen[param.Name]:
			p.addf("%s: duplicate parameter %q", where, param.Name)
		}
		seen[param.Name] = true
	}
}
