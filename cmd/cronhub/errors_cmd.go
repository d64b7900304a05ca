package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect failed executions",
}

var errorsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List error logs, newest first",
	Args:    cobra.NoArgs,
	RunE:    runErrorsList,
}

var errorsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one error log",
	Args:  cobra.ExactArgs(1),
	RunE:  runErrorsDelete,
}

var errorsJobID string

func init() {
	errorsListCmd.Flags().StringVar(&errorsJobID, "job", "", "Only show errors of this job")
	errorsCmd.AddCommand(errorsListCmd, errorsDeleteCmd)
}

func runErrorsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	logs, err := a.Jobs().Errors(cmd.Context(), errorsJobID)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), logs)
	}
	tw := newTable(cmd.OutOrStdout(), "ID", "TIME", "JOB", "KIND", "HTTP", "MESSAGE")
	for _, e := range logs {
		row(tw, e.ID, fmtTime(&e.Timestamp), e.JobName, e.Kind, fmtStatus(e.ResponseStatus), firstLine(e.Message))
	}
	return tw.Flush()
}

func runErrorsDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Jobs().DeleteError(cmd.Context(), args[0]); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}
