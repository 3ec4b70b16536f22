// ABOUTME: Session ledger commands: list and inspect sessions, log session boundaries the way an
// ABOUTME: instrument logger client would, and requeue failed sessions.
package main

import (
	"fmt"
	"time"

	"github.com/2389-research/labrecord/session/core"
	"github.com/2389-research/labrecord/session/store"
	"github.com/spf13/cobra"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var (
		status     string
		instrument string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in the ledger, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.ListFilter{Instrument: instrument, Limit: limit}
			if status != "" {
				st, err := core.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}

			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			states, err := a.store.List(ctx, f)
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Fprintln(opts.out, "No sessions")
				return nil
			}
			renderSessions(opts.out, states)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sessions with this record status")
	cmd.Flags().StringVar(&instrument, "instrument", "", "only sessions on this instrument")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's state and event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.store.State(ctx, args[0])
			if err != nil {
				return err
			}
			hist, err := a.store.History(ctx, args[0])
			if err != nil {
				return err
			}

			w := opts.out
			renderField(w, "Session", st.SessionID)
			renderField(w, "Instrument", st.Instrument)
			fmt.Fprintln(w, labelStyle.Render("Status")+styleForStatus(st.Status).Render(string(st.Status)))
			renderField(w, "User", st.User)
			renderField(w, "Start", formatStamp(st.Start))
			renderField(w, "End", formatStamp(st.End))
			renderField(w, "Attempts", fmt.Sprintf("%d", st.Attempts))
			if st.ClaimedBy != "" {
				renderField(w, "Claimed by", fmt.Sprintf("%s at %s", st.ClaimedBy, formatStamp(st.ClaimedAt)))
			}
			fmt.Fprintln(w)
			for _, e := range hist {
				line := fmt.Sprintf("%6d %s %-17s %s", e.Seq, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, styleForStatus(e.Status).Render(string(e.Status)))
				if e.Note != "" {
					line += "  " + e.Note
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
}

func newLogCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Record session boundaries in the ledger",
	}
	cmd.AddCommand(newLogBoundaryCmd(opts, "start"), newLogBoundaryCmd(opts, "end"))
	return cmd
}

// newLogBoundaryCmd builds "log start" or "log end".
func newLogBoundaryCmd(opts *rootOptions, which string) *cobra.Command {
	var (
		user string
		at   string
	)
	cmd := &cobra.Command{
		Use:   which + " <instrument-id> <session-id>",
		Short: fmt.Sprintf("Log the %s of an instrument session", which),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts := time.Now()
			if at != "" {
				var err error
				if ts, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			logFn := a.store.LogStart
			if which == "end" {
				logFn = a.store.LogEnd
			}
			e, err := logFn(ctx, args[0], args[1], ts, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "%s %s seq=%d status=%s\n", e.Type, e.SessionID, e.Seq, styleForStatus(e.Status).Render(string(e.Status)))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "operator running the session")
	cmd.Flags().StringVar(&at, "at", "", "event time in RFC 3339 (default: now)")
	return cmd
}

func newRequeueCmd(opts *rootOptions) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "requeue <session-id>",
		Short: "Return an ERROR or NO_FILES_FOUND session to TO_BE_BUILT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			e, err := a.store.Requeue(ctx, args[0], note)
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "%s requeued (seq %d)\n", e.SessionID, e.Seq)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "requeued via cli", "note stored with the status change")
	return cmd
}
