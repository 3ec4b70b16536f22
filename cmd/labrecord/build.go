// ABOUTME: The builder commands: "run" polls the ledger on an interval, "once" runs a single cycle
// ABOUTME: and prints what happened to each pending session.
package main

import (
	"fmt"
	"io"
	"time"

	"github.com/2389-research/labrecord/builder"
	"github.com/2389-research/labrecord/session/core"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type buildFlags struct {
	dryRun  bool
	workers int
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "write records without claiming sessions or uploading")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "sessions built in parallel (default: builder.workers)")
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		flags    buildFlags
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build records for pending sessions until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			b, err := a.newBuilder(builderOptions{dryRun: flags.dryRun, workers: flags.workers})
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = a.cfg.Builder.Interval
			}
			return b.Run(ctx, interval)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between cycles (default: builder.interval)")
	return cmd
}

func newOnceCmd(opts *rootOptions) *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single build cycle and report the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			b, err := a.newBuilder(builderOptions{dryRun: flags.dryRun, workers: flags.workers})
			if err != nil {
				return err
			}
			report, err := b.RunOnce(ctx)
			printReport(opts.out, report)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

// printReport writes one line per built session and a totals line.
func printReport(w io.Writer, report builder.CycleReport) {
	if report.Pending == 0 {
		fmt.Fprintln(w, "No sessions to build")
		return
	}
	for _, res := range report.Results {
		status := string(res.Status)
		if res.Skipped {
			status = "SKIPPED"
		}
		line := fmt.Sprintf("%s %s", styleForStatus(res.Status).Render(fmt.Sprintf("%-15s", status)), res.Session.ID)
		switch {
		case res.Err != nil:
			line += " " + errorStyle.Render(res.Err.Error())
		case res.Status == core.StatusCompleted:
			line += fmt.Sprintf(" %d activities, %s files", res.Activities, humanize.Comma(int64(res.Files)))
			if res.Location != "" {
				line += " -> " + res.Location
			} else if res.RecordPath != "" {
				line += " -> " + res.RecordPath
			}
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%d pending: %d completed, %d no files, %d failed\n",
		report.Pending,
		report.Count(core.StatusCompleted),
		report.Count(core.StatusNoFilesFound),
		report.Count(core.StatusError),
	)
}
