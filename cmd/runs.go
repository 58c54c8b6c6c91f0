package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/techno-archive/enrich-cli/internal/model"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline run history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runs, err := st.ListRuns(ctx, runsLimit)
		if err != nil {
			return eris.Wrap(err, "list runs")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func formatRunsList(w io.Writer, runs []model.PipelineRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tSTATUS\tSTARTED\tDURATION\tPROCESSED\tFAILED\tERROR")
	for _, run := range runs {
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		errMsg := run.ErrorMessage
		if len(errMsg) > 60 {
			errMsg = errMsg[:60] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			run.ID,
			run.RunType,
			run.Status,
			run.StartedAt.Format(time.RFC3339),
			duration,
			run.Stats.Processed,
			run.Stats.Failed,
			errMsg,
		)
	}
	_ = tw.Flush()
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum runs to list")
	rootCmd.AddCommand(runsCmd)
}
