package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/loan-pipeline/pipeline"
)

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var asOf string
	var history int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one delay reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if asOf != "" {
				t, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
				now = t.UTC()
			}

			a, err := ctx.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, runErr := a.reconciler.Run(cmd.Context(), now)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderResult(res))

			if history > 0 {
				runs, err := a.reconciler.Runs(cmd.Context(), history)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderRuns(runs))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Evaluate delays as of this RFC 3339 time (default now)")
	cmd.Flags().IntVar(&history, "history", 0, "Also print the latest N recorded runs")
	return cmd
}

func renderResult(r pipeline.ReconcileResult) string {
	return renderTable(
		[]string{"Run", "Scanned", "Updated", "Unchanged", "Skipped", "Now delayed", "Failed"},
		[][]string{{
			r.RunID,
			strconv.Itoa(r.Scanned),
			strconv.Itoa(r.Updated),
			strconv.Itoa(r.Unchanged),
			strconv.Itoa(r.Skipped),
			strconv.Itoa(r.NowDelayed),
			strconv.Itoa(r.Failed),
		}},
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func renderRuns(runs []pipeline.ReconciliationRun) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Format(time.RFC3339),
			string(r.Status),
			strconv.Itoa(r.Scanned),
			strconv.Itoa(r.NowDelayed),
			strconv.Itoa(r.Failed),
		})
	}
	return renderTable(
		[]string{"Run", "Started", "Status", "Scanned", "Now delayed", "Failed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}
