package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/loan-pipeline/stage"
)

func newStagesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Print the stage policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStages(cfg.StageTable(), cfg.DefaultStage()))
			return nil
		},
	}
}

func renderStages(t *stage.Table, defaultStage string) string {
	rows := make([][]string, 0, len(t.Policies()))
	for i, p := range t.Policies() {
		marker := ""
		if p.Name == defaultStage {
			marker = "*"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			p.Name + marker,
			p.CompletionPercent.String() + "%",
			p.MaxDays.String(),
			p.DelayMessage,
		})
	}
	return renderTable(
		[]string{"#", "Stage", "Completion", "Max days", "Delay message"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft},
	)
}
