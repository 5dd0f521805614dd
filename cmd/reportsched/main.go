package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"reportsched/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "reportsched",
		Short: "Fires seller report jobs at randomized times inside their windows",
		Long: `reportsched keeps one pending firing per configured report job, launches
the job body when it fires, and reports failed runs to Telegram.

Examples:
  reportsched run --config /etc/reportsched/config.yaml
  reportsched plan           # show the next firing of every job
  reportsched check          # validate the config and exit`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json, yaml or toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the scheduler until SIGINT or SIGTERM",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "plan",
			Short: "Print the first firing of every enabled job",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.Plan(cmd.Context(), cfgPath, time.Now(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the config and job definitions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.Check(cfgPath, cmd.OutOrStdout())
			},
		},
	)
	return root
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return errors.Wrap(err, "start")
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
