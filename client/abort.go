package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort RUN",
	Short: "Abort a running campaign",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.abort(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.PrintErrln(color.HiGreenString("Aborting run '%s'", args[0]))
		return nil
	},
}
