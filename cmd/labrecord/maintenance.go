// ABOUTME: Maintenance commands: "recover" repairs the ledger from its audit mirror and reports
// ABOUTME: what it did; "validate" checks a record document against the experiment schema.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/2389-research/labrecord/record"
	"github.com/2389-research/labrecord/session/store"
	"github.com/spf13/cobra"
)

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Repair the session ledger and verify the status projection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, report, err := store.Recover(ctx, cfg.LedgerDir(), store.WithClaimTTL(cfg.Ledger.ClaimTTL))
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ok, err := s.Verify(ctx)
			if err != nil {
				return err
			}

			w := opts.out
			renderField(w, "Ledger", cfg.LedgerDir())
			renderField(w, "Audit", fmt.Sprintf("%d events", report.AuditEvents))
			renderField(w, "Imported", fmt.Sprintf("%v", report.Imported))
			renderField(w, "Rebuilt", fmt.Sprintf("%v", report.RebuiltStatus))
			renderField(w, "Last seq", fmt.Sprintf("%d", report.LastSeq))
			if report.MirrorDivergent {
				fmt.Fprintln(w, errorStyle.Render("audit mirror diverges from the ledger"))
			}
			if !ok {
				return errors.New("status projection does not match the event log")
			}
			fmt.Fprintln(w, completedStyle.Render("ledger ok"))
			return nil
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <record.xml>...",
		Short: "Validate record documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v record.SchemaValidator
			failed := 0
			for _, path := range args {
				doc, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := v.Validate(doc, nil); err != nil {
					failed++
					fmt.Fprintf(opts.out, "%s %s: %v\n", errorStyle.Render("invalid"), path, err)
					continue
				}
				fmt.Fprintf(opts.out, "%s %s\n", completedStyle.Render("valid"), path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents invalid", failed, len(args))
			}
			return nil
		},
	}
}
