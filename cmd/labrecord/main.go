// ABOUTME: CLI entrypoint for labrecord: turns closed instrument sessions into experiment records.
// ABOUTME: Builds the cobra command tree and runs it under a signal-cancelled context.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	out        io.Writer
}

func main() {
	loadDotEnvAuto()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}
	root := &cobra.Command{
		Use:   "labrecord",
		Short: "Build experiment records from instrument sessions",
		Long: `labrecord watches the session ledger for closed instrument sessions, gathers the
files written during each session, groups them into acquisition activities,
and writes and uploads an experiment record for every session.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/labrecord/config.yaml)")

	root.AddCommand(
		newRunCmd(opts),
		newOnceCmd(opts),
		newServeCmd(opts),
		newSessionsCmd(opts),
		newShowCmd(opts),
		newLogCmd(opts),
		newRequeueCmd(opts),
		newRecoverCmd(opts),
		newValidateCmd(opts),
	)
	return root
}
