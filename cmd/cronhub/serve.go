package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cronhub/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until interrupted",
	Long: `Run the scheduler loop, dispatch due jobs and watch the config file for changes.

SIGINT or SIGTERM stops the loop, waits up to scheduler.drain_timeout for
running executions, then closes storage. Under systemd (Type=notify) the
service reports READY/STOPPING and pings the watchdog after each pass.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := app.Open(cfgPath, configOptional(cmd))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(cmd.Context()); err != nil {
		_ = a.Close()
		return err
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.StopTimeout())
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	return a.Err()
}
