package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/loadops/stampede/client/ui"
)

var resultsCmd = &cobra.Command{
	Use:   "results RUN",
	Short: "Download the results a run collected from its nodes",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		spinner := ui.NewSpinner("Listing results")

		files, err := api.results(cmd.Context(), args[0])
		if err != nil {
			spinner.Fail()
			return err
		}
		if len(files) == 0 {
			spinner.Warn(fmt.Sprintf("Run '%s' has no results (yet)", args[0]))
			return nil
		}

		output := lo.Must(cmd.Flags().GetString("output"))

		var errors []string
		for i, file := range files {
			spinner.UpdateMessage(fmt.Sprintf("Downloading results (%d/%d)", i+1, len(files)))
			if err := downloadResult(cmd, args[0], file, filepath.Join(output, filepath.FromSlash(file))); err != nil {
				errors = append(errors, err.Error())
			}
		}

		if len(errors) > 0 {
			spinner.Warn()
			for _, msg := range errors {
				cmd.PrintErrln(color.HiRedString(msg))
			}
			return nil
		}
		spinner.Success(fmt.Sprintf("Downloaded %d result files to %s", len(files), output))
		return nil
	},
}

func init() {
	resultsCmd.Flags().StringP("output", "o", "", "output directory")
	lo.Must0(resultsCmd.MarkFlagRequired("output"))
}

func downloadResult(cmd *cobra.Command, run, file, target string) (err error) {
	if err = os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create output directory for '%s': %w", file, err)
	}

	stream, err := api.downloadResult(cmd.Context(), run, file)
	if err != nil {
		return fmt.Errorf("failed to download '%s': %w", file, err)
	}
	defer stream.Close()

	fd, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create output file for '%s': %w", file, err)
	}
	defer func() {
		fd.Close()
		if err != nil {
			_ = os.Remove(target)
		}
	}()

	if _, err = io.Copy(fd, stream); err != nil {
		return fmt.Errorf("failed to write '%s': %w", file, err)
	}
	return nil
}
