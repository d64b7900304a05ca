package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cronhub/internal/jobs"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the dashboard, daily trends and status distribution",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var statsDays int

func init() {
	statsCmd.Flags().IntVar(&statsDays, "days", jobs.DefaultTrendDays, "Days of trend history")
}

type statsReport struct {
	Dashboard    jobs.Dashboard    `json:"dashboard"`
	Trends       []jobs.DayTrend   `json:"trends"`
	Distribution jobs.Distribution `json:"distribution"`
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var rep statsReport
	if rep.Dashboard, err = a.Jobs().Dashboard(ctx); err != nil {
		return err
	}
	if rep.Trends, err = a.Jobs().Trends(ctx, statsDays); err != nil {
		return err
	}
	if rep.Distribution, err = a.Jobs().Distribution(ctx); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), rep)
	}

	w := cmd.OutOrStdout()
	d := rep.Dashboard
	fmt.Fprintf(w, "Jobs: %d total, %d active\n", d.TotalJobs, d.ActiveJobs)
	fmt.Fprintf(w, "Today: %d succeeded, %d failed\n", d.SuccessToday, d.FailedToday)
	fmt.Fprintf(w, "Success rate: %.1f%%\n\n", d.SuccessRate)

	tw := newTable(w, "DAY", "SUCCESS", "FAILED")
	for _, t := range rep.Trends {
		row(tw, t.Day.Format("2006-01-02"), t.Success, t.Failed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	dist := rep.Distribution
	fmt.Fprintf(w, "\nAll executions: %d success, %d failed, %d running\n", dist.Success, dist.Failed, dist.Running)
	return nil
}
