package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronhub/internal/jobs"
	"cronhub/internal/storage"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage scheduled jobs",
}

var jobAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a job",
	Example: `  cronhub job add --name ping --url https://example.com/health --schedule "*/5 * * * *"
  cronhub job add --name hook --url https://example.com/hook --method POST \
    --header Content-Type=application/json --body '{"ok":true}' --paused`,
	Args: cobra.NoArgs,
	RunE: runJobAdd,
}

var jobListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List jobs",
	Args:    cobra.NoArgs,
	RunE:    runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a job; only the flags given are applied",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobEdit,
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a job; a running job pauses when its execution ends",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobState(func(s *jobs.Service) stateFunc { return s.Pause }),
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused job at its next cron instant",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobState(func(s *jobs.Service) stateFunc { return s.Resume }),
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a job with its executions and error logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobDelete,
}

var jobRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a job now and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRun,
}

var jobHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "List a job's executions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobHistory,
}

var (
	jobName     string
	jobURL      string
	jobMethod   string
	jobSchedule string
	jobHeaders  []string
	jobBody     string
	jobTimeout  int
	jobPaused   bool
	historySize int
)

func init() {
	for _, c := range []*cobra.Command{jobAddCmd, jobEditCmd} {
		f := c.Flags()
		f.StringVar(&jobName, "name", "", "Job name")
		f.StringVar(&jobURL, "url", "", "Absolute http(s) URL to call")
		f.StringVar(&jobMethod, "method", jobs.DefaultMethod, "HTTP method: GET, POST, PUT, PATCH or DELETE")
		f.StringVar(&jobSchedule, "schedule", jobs.DefaultSchedule, "Five-field cron expression")
		f.StringArrayVar(&jobHeaders, "header", nil, "Request header as Name=Value (repeatable)")
		f.StringVar(&jobBody, "body", "", "Request body")
		f.IntVar(&jobTimeout, "timeout", jobs.DefaultTimeoutSeconds, "Timeout in seconds")
	}
	jobAddCmd.Flags().BoolVar(&jobPaused, "paused", false, "Create the job paused")
	_ = jobAddCmd.MarkFlagRequired("name")
	_ = jobAddCmd.MarkFlagRequired("url")
	jobHistoryCmd.Flags().IntVar(&historySize, "limit", jobs.DefaultHistoryLimit, "Maximum executions to show")

	jobCmd.AddCommand(jobAddCmd, jobListCmd, jobShowCmd, jobEditCmd, jobPauseCmd,
		jobResumeCmd, jobDeleteCmd, jobRunCmd, jobHistoryCmd)
}

// parseHeaders turns repeated Name=Value flags into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Newf("invalid --header %q: want Name=Value", h)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

func runJobAdd(cmd *cobra.Command, _ []string) error {
	headers, err := parseHeaders(jobHeaders)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.Jobs().Create(cmd.Context(), jobs.Spec{
		Name:           jobName,
		URL:            jobURL,
		Method:         jobMethod,
		Schedule:       jobSchedule,
		Headers:        headers,
		Body:           jobBody,
		TimeoutSeconds: jobTimeout,
		Enabled:        !jobPaused,
	})
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), job)
}

func runJobList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Jobs().List(cmd.Context())
	if err != nil {
		return err
	}
	return printJobs(cmd.OutOrStdout(), list)
}

func runJobShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.Jobs().Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), job)
}

// editPatch builds a Patch from the flags the user actually set.
func editPatch(cmd *cobra.Command) (jobs.Patch, error) {
	var p jobs.Patch
	f := cmd.Flags()
	if f.Changed("name") {
		p.Name = &jobName
	}
	if f.Changed("url") {
		p.URL = &jobURL
	}
	if f.Changed("method") {
		p.Method = &jobMethod
	}
	if f.Changed("schedule") {
		p.Schedule = &jobSchedule
	}
	if f.Changed("header") {
		h, err := parseHeaders(jobHeaders)
		if err != nil {
			return jobs.Patch{}, err
		}
		p.Headers = &h
	}
	if f.Changed("body") {
		p.Body = &jobBody
	}
	if f.Changed("timeout") {
		p.TimeoutSeconds = &jobTimeout
	}
	return p, nil
}

func runJobEdit(cmd *cobra.Command, args []string) error {
	patch, err := editPatch(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.Jobs().Edit(cmd.Context(), args[0], patch)
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), job)
}

type stateFunc func(ctx context.Context, id string) (storage.Job, error)

func runJobState(pick func(*jobs.Service) stateFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := pick(a.Jobs())(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJob(cmd.OutOrStdout(), job)
	}
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Jobs().Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}

type runResult struct {
	ExecutionID    string `json:"execution_id"`
	Status         string `json:"status"`
	ResponseStatus *int   `json:"response_status,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
	NextRun        string `json:"next_run,omitempty"`
}

func runJobRun(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Jobs().Trigger(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	res := runResult{
		ExecutionID:    out.ExecutionID,
		Status:         string(out.Status),
		ResponseStatus: out.ResponseStatus,
		DurationMS:     out.Duration.Milliseconds(),
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	if out.NextRun != nil {
		res.NextRun = fmtTime(out.NextRun)
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), res)
	}
	tw := newTable(cmd.OutOrStdout(), "EXECUTION", "STATUS", "HTTP", "DURATION", "NEXT RUN", "ERROR")
	row(tw, res.ExecutionID, res.Status, fmtStatus(res.ResponseStatus), out.Duration.Round(time.Millisecond), fmtTime(out.NextRun), res.Error)
	return tw.Flush()
}

func runJobHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	execs, err := a.Jobs().Executions(cmd.Context(), args[0], historySize)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), execs)
	}
	tw := newTable(cmd.OutOrStdout(), "EXECUTION", "STARTED", "STATUS", "HTTP", "DURATION", "LOG")
	for _, e := range execs {
		row(tw, e.ID, fmtTime(&e.StartTime), e.Status, fmtStatus(e.ResponseStatus), fmt.Sprintf("%dms", e.DurationMS), firstLine(e.Logs))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
