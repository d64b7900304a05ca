package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"cronhub/internal/app"
)

var (
	cfgPath string
	jsonOut bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "cronhub",
	Short: "HTTP cron job scheduler",
	Long: `cronhub - runs HTTP requests on cron schedules and records every execution.

Examples:
  cronhub serve                                   # Run the scheduler until SIGINT/SIGTERM
  cronhub job add --name ping --url https://example.com/health --schedule "*/5 * * * *"
  cronhub job list                                # List jobs with their next run
  cronhub job run <id>                            # Run a job now
  cronhub stats --days 14                         # Dashboard, trends and distribution
  cronhub schedule explain "0 2 * * *"            # Describe a cron expression`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || os.Getenv("NO_COLOR") != "" {
			pterm.DisableStyling()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "Path to the YAML or JSON config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print JSON instead of tables")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored table output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// configOptional reports whether a missing config file falls back to defaults,
// which is the case only for the default path.
func configOptional(cmd *cobra.Command) bool {
	return !cmd.Flags().Changed("config")
}

// openApp builds the app for a one-shot command. Callers must Close it.
func openApp(cmd *cobra.Command) (*app.App, error) {
	return app.Open(cfgPath, configOptional(cmd), app.WithQuietConsole())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
