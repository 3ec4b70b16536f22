// ABOUTME: Terminal styles for CLI output and the session table printed by "labrecord sessions".
// ABOUTME: Maps record statuses to colors.
package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/2389-research/labrecord/session/core"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(12)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	waitingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	noFilesStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// styleForStatus returns the display style for a record status.
func styleForStatus(status core.RecordStatus) lipgloss.Style {
	switch status {
	case core.StatusToBeBuilt:
		return pendingStyle
	case core.StatusCompleted:
		return completedStyle
	case core.StatusError:
		return failedStyle
	case core.StatusNoFilesFound:
		return noFilesStyle
	default:
		return waitingStyle
	}
}

type column struct {
	title string
	width int
}

var sessionColumns = []column{
	{"SESSION", 28},
	{"INSTRUMENT", 14},
	{"STATUS", 16},
	{"START", 17},
	{"END", 17},
	{"TRIES", 5},
}

// renderSessions writes one row per session. Widths are fixed so colored
// cells stay aligned.
func renderSessions(w io.Writer, states []*core.SessionState) {
	cells := make([]string, len(sessionColumns))
	for i, c := range sessionColumns {
		cells[i] = lipgloss.NewStyle().Width(c.width).Render(c.title)
	}
	fmt.Fprintln(w, headerStyle.Render(strings.Join(cells, " ")))

	for _, st := range states {
		row := []string{
			truncate(st.SessionID, 28),
			truncate(st.Instrument, 14),
			styleForStatus(st.Status).Render(string(st.Status)),
			formatStamp(st.Start),
			formatStamp(st.End),
			fmt.Sprintf("%d", st.Attempts),
		}
		for i, c := range sessionColumns {
			row[i] = lipgloss.NewStyle().Width(c.width).Render(row[i])
		}
		fmt.Fprintln(w, strings.Join(row, " "))
	}
}

// renderField writes one "label value" line.
func renderField(w io.Writer, label, value string) {
	fmt.Fprintln(w, labelStyle.Render(label)+valueStyle.Render(value))
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
