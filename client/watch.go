package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/loadops/stampede/broker"
	"github.com/loadops/stampede/client/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch RUN",
	Short: "Watch a campaign run",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		spinner := ui.NewSpinner("Waiting for run data")

		renderer := &watchRenderer{
			runID:   args[0],
			verbose: verbose,
			termWidth: func() int {
				width, _, err := term.GetSize(int(os.Stderr.Fd()))
				if err != nil {
					return 80
				}
				return width
			},
			now: time.Now,
		}

		var statsLineCount int

		// eraseStatsLines clears the step list displayed below the spinner.
		// Must be called while holding the spinner lock.
		eraseStatsLines := func() {
			if statsLineCount == 0 {
				return
			}
			for i := 0; i < statsLineCount; i++ {
				fmt.Fprint(os.Stderr, "\n\033[2K")
			}
			fmt.Fprintf(os.Stderr, "\033[%dA", statsLineCount)
			statsLineCount = 0
		}

		// writeStatsLines prints the step list below the spinner.
		// Must be called while holding the spinner lock.
		writeStatsLines := func(stats string) {
			if stats == "" {
				return
			}
			fmt.Fprint(os.Stderr, "\n"+stats)
			statsLineCount = visualLineCount(stats, renderer.termWidth())
			fmt.Fprintf(os.Stderr, "\033[%dA", statsLineCount)
		}

		finish := func(run broker.Run) error {
			_, stats := renderer.renderStats(run)
			timestamp := renderer.renderTimestamp(run)
			message := fmt.Sprintf("Run '%s' %s (%s%d, %s)\n%s", args[0], run.State, emojiLabel("📝"), len(run.Steps), timestamp, stats)

			spinner.Lock()
			eraseStatsLines()
			spinner.Unlock()
			switch run.State {
			case broker.RunStateComplete:
				spinner.Success(message)
				return nil
			case broker.RunStateAborted:
				spinner.Warn(message)
				return nil
			default:
				spinner.Fail(message)
				return fmt.Errorf("run '%s' failed", args[0])
			}
		}

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			run, err := api.status(cmd.Context(), args[0])
			if err != nil {
				spinner.Lock()
				eraseStatsLines()
				spinner.Unlock()
				spinner.Fail()
				return err
			}

			if run.State.Terminal() {
				return finish(run)
			}

			_, stats := renderer.renderStats(run)
			timestamp := renderer.renderTimestamp(run)
			spinner.Lock()
			eraseStatsLines()
			spinner.Suffix = " " + fmt.Sprintf("Run '%s' %s (%s%d, %s)", args[0], run.State, emojiLabel("📝"), len(run.Steps), timestamp)
			writeStatsLines(stats)
			spinner.Unlock()

			select {
			case <-ticker.C:
			case <-cmd.Context().Done():
				spinner.Lock()
				eraseStatsLines()
				spinner.Unlock()
				spinner.Warn(fmt.Sprintf("Stopped watching run '%s', it keeps going %s", args[0], strings.TrimSpace(emojiLabel("🐎"))))
				return nil
			}
		}
	},
}
