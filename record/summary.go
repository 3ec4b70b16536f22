// ABOUTME: Markdown rendering of an ExperimentRecord for operators: summary fields, then one table
// ABOUTME: of setup parameters and datasets per acquisition activity.
package record

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389-research/labrecord/activity"
	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
)

// Markdown renders rec as a markdown document.
func Markdown(rec *ExperimentRecord) string {
	var b strings.Builder
	s := rec.Summary

	fmt.Fprintf(&b, "# %s\n\n", escapeMD(s.Title))
	if rec.Degraded {
		b.WriteString("> No reservation matched this session; summary fields are inferred.\n\n")
	}

	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "- **%s:** %s\n", k, escapeMD(v))
		}
	}
	row("Record", rec.ID)
	row("Session", rec.SessionID)
	row("Instrument", rec.Instrument.DisplayName())
	row("Experimenter", s.Experimenter)
	row("Session window", fmt.Sprintf("%s to %s (%s)",
		s.SessionStart.UTC().Format(time.RFC3339), s.SessionEnd.UTC().Format(time.RFC3339),
		s.SessionEnd.Sub(s.SessionStart).Round(time.Second)))
	if s.ReservedFrom != nil && s.ReservedUntil != nil {
		row("Reservation", fmt.Sprintf("%s to %s",
			s.ReservedFrom.UTC().Format(time.RFC3339), s.ReservedUntil.UTC().Format(time.RFC3339)))
	}
	row("Motivation", s.Motivation)
	row("Description", s.Description)
	row("Project", rec.Project)
	row("Collaborators", strings.Join(s.Collaborators, ", "))
	row("Sample", sampleLabel(rec.Sample))
	row("Datasets", fmt.Sprintf("%s files, %s", humanize.Comma(int64(rec.DatasetCount())), humanize.Bytes(uint64(rec.TotalBytes()))))

	for _, act := range rec.Activities {
		fmt.Fprintf(&b, "\n## Activity %d\n\n", act.Seq)
		fmt.Fprintf(&b, "%s, %s, %s\n", act.Start.UTC().Format(time.RFC3339),
			act.Duration().Round(time.Second), english.Plural(len(act.Files), "file", "files"))

		if act.Setup.Len() > 0 {
			b.WriteString("\n| Setup parameter | Value |\n|---|---|\n")
			act.Setup.Range(func(k string, v any) bool {
				fmt.Fprintf(&b, "| %s | %s |\n", cell(k, act.Setup.Unreliable(k)), escapeMD(activity.FormatValue(v)))
				return true
			})
		}

		b.WriteString("\n| Dataset | Modified | Size | Metadata |\n|---|---|---|---|\n")
		for _, f := range act.Files {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				escapeMD(filepath.Base(f.Path)),
				f.ModTime.UTC().Format("15:04:05"),
				humanize.Bytes(uint64(f.Size)),
				metaCell(f.Metadata))
		}
	}
	return b.String()
}

func sampleLabel(s Sample) string {
	switch {
	case s.Name != "" && s.Description != "":
		return s.Name + ": " + s.Description
	case s.Description != "":
		return s.Description
	case s.Name != "":
		return s.Name
	}
	return s.ID
}

func metaCell(md *activity.Metadata) string {
	var parts []string
	md.Range(func(k string, v any) bool {
		parts = append(parts, cell(k, md.Unreliable(k))+"="+escapeMD(activity.FormatValue(v)))
		return true
	})
	return strings.Join(parts, "; ")
}

// cell marks unreliable keys with a trailing asterisk.
func cell(k string, unreliable bool) string {
	k = escapeMD(k)
	if unreliable {
		return k + " \\*"
	}
	return k
}

func escapeMD(s string) string {
	return strings.NewReplacer("|", "\\|", "\n", " ").Replace(s)
}
