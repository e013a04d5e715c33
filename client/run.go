package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loadops/stampede/client/ui"
	"github.com/loadops/stampede/plan"
)

var runCmd = &cobra.Command{
	Use:   "run PLANFILE",
	Short: "Trigger a campaign run",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		params := lo.SliceToMap(lo.Must(cmd.Flags().GetStringArray("param")), func(item string) (key, value string) {
			key, value, _ = strings.Cut(item, "=")
			return
		})

		source, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read planfile '%s': %w", args[0], err)
		}

		// Evaluate locally first so a broken planfile fails before anything
		// reaches the server.
		spinner := ui.NewSpinner("Validating planfile")
		p, err := plan.Parse(string(source), plan.ReadOptions{Params: params})
		if err != nil {
			spinner.Fail()
			var unmarshalErr plan.UnmarshalError
			if errors.As(err, &unmarshalErr) && verbose {
				cmd.PrintErrln(unmarshalErr.Source)
			}
			return fmt.Errorf("failed to read plan from '%s': %w", args[0], err)
		}
		spinner.Success()

		if lo.Must(cmd.Flags().GetBool("dry-run")) {
			cmd.Println()
			cmd.Println(ui.SectionHeaderColor.Sprint("  Planfile  "))
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(p)
		}

		spinner = ui.NewSpinner("Triggering run")
		id, err := api.trigger(cmd.Context(), string(source), params)
		if err != nil {
			spinner.Fail()
			return err
		}
		spinner.Success(fmt.Sprintf("Triggered run '%s'", id))

		if lo.Must(cmd.Flags().GetBool("async")) {
			cmd.Printf(color.HiGreenString("Run '%s' is underway\n"), id)
			return nil
		}
		return watchCmd.RunE(cmd, []string{string(id)})
	},
}

func init() {
	runCmd.Flags().Bool("async", false, "trigger the run and return immediately")
	runCmd.Flags().BoolP("dry-run", "n", false, "evaluate and show the plan without running it")
	runCmd.Flags().StringArrayP("param", "p", nil, "planfile parameters to set")
}
