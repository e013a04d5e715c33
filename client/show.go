package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loadops/stampede/broker"
)

var showCmd = &cobra.Command{
	Use:   "show RUN",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := api.status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		cmd.Printf("%-12s %s\n", "Run:", color.HiCyanString(string(run.ID)))
		cmd.Printf("%-12s %s\n", "Plan:", run.Plan)
		cmd.Printf("%-12s %s\n", "State:", stateColor(string(run.State)).Sprint(run.State))
		cmd.Printf("%-12s %s\n", "Created:", run.CreatedAt.Truncate(time.Second))
		if !run.CompletedAt.IsZero() {
			cmd.Printf("%-12s %s (%s)\n", "Completed:", run.CompletedAt.Truncate(time.Second),
				formatDuration(run.CompletedAt.Sub(run.CreatedAt)))
		}

		cmd.Println()
		cmd.Println(fmt.Sprintf("--- %s ---", color.HiWhiteString("Steps")))
		for _, step := range run.Steps {
			cmd.Printf("%-24s %-10s %s\n", step.Step, stateColor(string(step.State)).Sprint(step.State), stepSummary(step))
		}

		return nil
	},
}

// stepSummary condenses a step record to the numbers an operator scans for:
// node counts, elapsed time, and the error when there is one.
func stepSummary(step broker.StepRecord) string {
	out := fmt.Sprintf("ready %d, failed %d", step.ReadyCount, step.FailedCount)
	if step.PrunedCount > 0 {
		out += fmt.Sprintf(", pruned %d", step.PrunedCount)
	}
	if !step.StartedAt.IsZero() && !step.StoppedAt.IsZero() {
		out += fmt.Sprintf(", ran %s", formatDuration(step.StoppedAt.Sub(step.StartedAt)))
	}
	if step.Error != "" {
		out += "  " + color.HiRedString(step.Error)
	}
	return out
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
