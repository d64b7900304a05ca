package main

import (
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronhub/internal/config"
	"cronhub/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Cron expression tools",
}

var scheduleExplainCmd = &cobra.Command{
	Use:   "explain <expr>",
	Short: "Describe a cron expression and list its next runs",
	Example: `  cronhub schedule explain "*/15 * * * *"
  cronhub schedule explain "0 9 * * MON-FRI" --count 10`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleExplain,
}

var explainCount int

func init() {
	scheduleExplainCmd.Flags().IntVar(&explainCount, "count", 5, "Number of upcoming runs to list")
	scheduleCmd.AddCommand(scheduleExplainCmd)
}

// scheduleLocation is the configured scheduler timezone, or local time when
// no config file is present.
func scheduleLocation(cmd *cobra.Command) (*time.Location, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	switch {
	case err == nil:
	case configOptional(cmd) && errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	default:
		return nil, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

type explanation struct {
	Expression  string      `json:"expression"`
	Description string      `json:"description"`
	Timezone    string      `json:"timezone"`
	Next        []time.Time `json:"next"`
}

func runScheduleExplain(cmd *cobra.Command, args []string) error {
	if explainCount < 1 {
		return errors.New("--count must be at least 1")
	}
	loc, err := scheduleLocation(cmd)
	if err != nil {
		return err
	}
	expr := args[0]
	next, err := schedule.Preview(expr, time.Now().In(loc), explainCount)
	if err != nil {
		return err
	}
	ex := explanation{Expression: expr, Description: schedule.Describe(expr), Timezone: loc.String(), Next: next}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), ex)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %s (%s)\n", ex.Expression, ex.Description, ex.Timezone)
	for _, t := range next {
		fmt.Fprintf(w, "  %s\n", t.Format(timeLayout))
	}
	return nil
}
