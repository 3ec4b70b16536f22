// ABOUTME: The "serve" command: runs the status web server, optionally with the builder loop in the
// ABOUTME: same process so one daemon covers both.
package main

import (
	"context"
	"time"

	"github.com/2389-research/labrecord/record"
	"github.com/2389-research/labrecord/web"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr     string
		build    bool
		flags    buildFlags
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve session status and records over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			records, err := record.NewWriter(a.cfg.RecordsDir())
			if err != nil {
				return err
			}
			srv, err := web.NewServer(web.ServerConfig{Addr: addr, Ledger: a.store, Records: records})
			if err != nil {
				return err
			}

			var run func(context.Context) error
			if build {
				b, err := a.newBuilder(builderOptions{dryRun: flags.dryRun, workers: flags.workers})
				if err != nil {
					return err
				}
				if interval <= 0 {
					interval = a.cfg.Builder.Interval
				}
				run = func(ctx context.Context) error { return b.Run(ctx, interval) }
			}

			p := pool.New().WithContext(ctx).WithCancelOnError()
			p.Go(srv.ListenAndServe)
			if run != nil {
				p.Go(run)
			}
			return p.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	cmd.Flags().BoolVar(&build, "build", false, "also run the builder loop")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between build cycles (default: builder.interval)")
	flags.register(cmd)
	return cmd
}
