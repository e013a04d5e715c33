package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List runs",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := api.list(cmd.Context())
		if err != nil {
			return err
		}

		for _, run := range runs {
			cmd.Printf("%s  %-8s  %-24s  %s\n",
				run.CreatedAt.Truncate(time.Second),
				stateColor(string(run.State)).Sprint(run.State),
				run.Plan,
				color.HiCyanString(string(run.ID)),
			)
		}

		return nil
	},
}

func stateColor(state string) *color.Color {
	switch state {
	case "complete":
		return color.New(color.FgHiGreen)
	case "failed":
		return color.New(color.FgHiRed)
	case "aborted":
		return color.New(color.FgHiYellow)
	case "running":
		return color.New(color.FgHiCyan)
	default:
		return color.New(color.FgWhite)
	}
}
