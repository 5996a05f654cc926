package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/loan-pipeline/pipeline"
)

func newMetricsCommand(ctx *commandContext) *cobra.Command {
	var regions, products, stages []string
	var allStatuses bool

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print the forecasting report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			filter := pipeline.Filter{
				AnyStatus: allStatuses,
				Regions:   regions,
				Products:  products,
				Stages:    stages,
			}
			report, err := a.metrics.Report(cmd.Context(), filter, time.Now().UTC())
			if err != nil {
				return err
			}
			writeReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&regions, "region", nil, "Only entries in these regions")
	cmd.Flags().StringSliceVar(&products, "product", nil, "Only entries for these products")
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "Only entries in these stages")
	cmd.Flags().BoolVar(&allStatuses, "all", false, "Include Closed entries")
	return cmd
}

func writeReport(w io.Writer, r *pipeline.Report) {
	g := r.GrandTotal
	fmt.Fprintf(w, "As of %s\n", r.AsOf.Format(time.RFC3339))
	fmt.Fprintln(w, renderTable(
		[]string{"Entries", "Expected disbursement", "Pipeline amount", "Avg disbursement", "Avg pipeline"},
		[][]string{{
			strconv.Itoa(g.EntryCount),
			g.ExpectedDisbursement.StringFixed(2),
			g.PipelineAmount.StringFixed(2),
			g.AverageDisbursement.StringFixed(2),
			g.AveragePipelineAmount.StringFixed(2),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	for _, section := range []struct {
		title   string
		buckets []pipeline.BucketSummary
	}{
		{"Region", r.Regions},
		{"Stage", r.Stages},
		{"Product", r.Products},
	} {
		fmt.Fprintln(w, renderBuckets(section.title, section.buckets))
	}

	if len(r.StageColumns) > 0 {
		fmt.Fprintln(w, renderMatrix(r))
	}

	d := r.Delays
	fmt.Fprintf(w, "Delayed: %d entries, %s expected, %s total delay days\n",
		d.DelayedEntryCount, d.ExpectedDisbursement.StringFixed(2), d.TotalDelayDays.String())
	if len(d.ByStage) > 0 {
		rows := make([][]string, 0, len(d.ByStage))
		for _, b := range d.ByStage {
			rows = append(rows, []string{b.Stage, strconv.Itoa(b.EntryCount), b.ExpectedDisbursement.StringFixed(2), b.ExcessDays.String()})
		}
		fmt.Fprintln(w, renderTable(
			[]string{"Stage", "Delayed", "Expected disbursement", "Excess days"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
		))
	}
}

func renderBuckets(title string, buckets []pipeline.BucketSummary) string {
	rows := make([][]string, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, []string{
			b.Key,
			strconv.Itoa(b.Totals.EntryCount),
			b.Totals.ExpectedDisbursement.StringFixed(2),
			b.Totals.PipelineAmount.StringFixed(2),
			strconv.Itoa(b.PercentOfTotal) + "%",
		})
	}
	return renderTable(
		[]string{title, "Entries", "Expected disbursement", "Pipeline amount", "Share"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}

func renderMatrix(r *pipeline.Report) string {
	headers := append([]string{"Region"}, r.StageColumns...)
	headers = append(headers, "Total")

	aligns := make([]columnAlignment, len(headers))
	for i := 1; i < len(aligns); i++ {
		aligns[i] = alignRight
	}

	rows := make([][]string, 0, len(r.RegionalByStage))
	for _, row := range r.RegionalByStage {
		cells := []string{row.Region}
		for _, c := range row.Cells {
			cells = append(cells, c.ExpectedDisbursement.StringFixed(2))
		}
		rows = append(rows, append(cells, row.Total.StringFixed(2)))
	}
	return strings.TrimRight(renderTable(headers, rows, aligns), "\n")
}
