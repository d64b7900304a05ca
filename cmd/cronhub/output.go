package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"

	"cronhub/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05 MST"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table collects rows and renders them with pterm on Flush.
type table struct {
	w      io.Writer
	header bool
	rows   [][]string
}

func newTable(w io.Writer, header ...string) *table {
	t := &table{w: w}
	if len(header) > 0 {
		t.header = true
		t.rows = append(t.rows, header)
	}
	return t
}

func row(t *table, cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	t.rows = append(t.rows, parts)
}

func (t *table) Flush() error {
	if len(t.rows) == 0 {
		return nil
	}
	p := pterm.DefaultTable.WithData(t.rows).WithWriter(t.w)
	if t.header {
		p = p.WithHasHeader()
	} else {
		p = p.WithSeparator("  ")
	}
	return p.Render()
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}

func fmtStatus(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}

func jobStatus(j storage.Job) string {
	if j.PauseRequested {
		return string(j.Status) + " (pausing)"
	}
	return string(j.Status)
}

func printJobs(w io.Writer, list []storage.Job) error {
	if jsonOut {
		return printJSON(w, list)
	}
	tw := newTable(w, "ID", "NAME", "STATUS", "SCHEDULE", "NEXT RUN", "LAST RUN", "OK", "FAIL")
	for _, j := range list {
		row(tw, j.ID, j.Name, jobStatus(j), j.Schedule, fmtTime(j.NextRun), fmtTime(j.LastRun), j.SuccessCount, j.FailureCount)
	}
	return tw.Flush()
}

func printJob(w io.Writer, j storage.Job) error {
	if jsonOut {
		return printJSON(w, j)
	}
	tw := newTable(w)
	row(tw, "ID:", j.ID)
	row(tw, "Name:", j.Name)
	row(tw, "Request:", j.Method+" "+j.URL)
	row(tw, "Schedule:", j.Schedule)
	row(tw, "Status:", jobStatus(j))
	row(tw, "Timeout:", fmt.Sprintf("%ds", j.TimeoutSeconds))
	if j.Headers != "" {
		row(tw, "Headers:", j.Headers)
	}
	if j.Body != "" {
		row(tw, "Body:", j.Body)
	}
	row(tw, "Next run:", fmtTime(j.NextRun))
	row(tw, "Last run:", fmtTime(j.LastRun))
	row(tw, "Runs:", fmt.Sprintf("%d ok, %d failed (%.1f%%)", j.SuccessCount, j.FailureCount, 100*j.SuccessRate()))
	row(tw, "Created:", fmtTime(&j.CreatedAt))
	return tw.Flush()
}
