package main

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"github.com/loadops/stampede/broker"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the status of the server",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := api.health(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}

		app := tview.NewApplication()

		// Header
		header := tview.NewTextView().
			SetDynamicColors(true).
			SetWordWrap(true).
			SetTextAlign(tview.AlignLeft)
		header.SetBorder(true).SetTitle(" Stampede ")

		// Runs table
		runsTable := tview.NewTable().
			SetFixed(1, 0).
			SetSelectable(true, false)
		runsTable.SetBorder(true).SetTitle(" Runs ")

		// Steps table, following the selected run
		stepsTable := tview.NewTable().
			SetFixed(1, 0).
			SetSelectable(true, false)
		stepsTable.SetBorder(true).SetTitle(" Steps ")

		// Layout
		layout := tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(header, 4, 0, false).
			AddItem(runsTable, 0, 1, false).
			AddItem(stepsTable, 0, 1, false)

		// Focus cycling: Tab switches between runs and steps tables
		focusables := []tview.Primitive{runsTable, stepsTable}
		focusIndex := 0
		app.SetFocus(runsTable)

		// Input handling
		app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
			if event.Key() == tcell.KeyTab || event.Key() == tcell.KeyBacktab {
				if event.Key() == tcell.KeyBacktab {
					focusIndex = (focusIndex + len(focusables) - 1) % len(focusables)
				} else {
					focusIndex = (focusIndex + 1) % len(focusables)
				}
				app.SetFocus(focusables[focusIndex])
				return nil
			}
			return event
		})

		// State for rendering — only accessed from tview's event loop (via
		// QueueUpdateDraw)
		var lastRuns []broker.Run

		updateHeader := func() {
			header.Clear()

			uptime := ""
			if !info.StartedAt.IsZero() {
				uptime = formatDuration(time.Since(info.StartedAt))
			}

			fmt.Fprintf(header, " [yellow]Stampede[white] %s (%s)  |  Uptime: [green]%s[white]",
				info.Version, info.Commit, uptime)
		}

		selectedRun := func() *broker.Run {
			row, _ := runsTable.GetSelection()
			if row < 1 || row > len(lastRuns) {
				return nil
			}
			return &lastRuns[row-1]
		}

		updateRuns := func() {
			row, _ := runsTable.GetSelection()
			runsTable.Clear()

			runsTable.SetTitle(fmt.Sprintf(" Runs (%d) ", len(lastRuns)))

			// Header row
			for col, title := range []string{"RUN", "PLAN", "STATE", "CREATED", "ELAPSED", "STEPS"} {
				runsTable.SetCell(0, col, tview.NewTableCell(title).
					SetTextColor(tcell.ColorYellow).
					SetSelectable(false).
					SetExpansion(1))
			}

			now := time.Now()
			for i, run := range lastRuns {
				nameColor := tcell.ColorAqua
				if run.State.Terminal() {
					nameColor = tcell.ColorGray
				}
				runsTable.SetCell(i+1, 0, tview.NewTableCell(string(run.ID)).
					SetTextColor(nameColor).
					SetExpansion(2))

				runsTable.SetCell(i+1, 1, tview.NewTableCell(run.Plan).
					SetTextColor(tcell.ColorWhite).
					SetExpansion(1))

				runsTable.SetCell(i+1, 2, tview.NewTableCell(string(run.State)).
					SetTextColor(runStateColor(run.State)).
					SetExpansion(1))

				// Creation time: time only for today, date+time otherwise
				created := run.CreatedAt.Local()
				format := "02 Jan 15:04"
				if created.Year() == now.Year() && created.YearDay() == now.YearDay() {
					format = "15:04:05"
				}
				runsTable.SetCell(i+1, 3, tview.NewTableCell(created.Format(format)).
					SetTextColor(tcell.ColorWhite).
					SetExpansion(1))

				end := now
				if !run.CompletedAt.IsZero() {
					end = run.CompletedAt
				}
				runsTable.SetCell(i+1, 4, tview.NewTableCell(formatDuration(end.Sub(run.CreatedAt))).
					SetTextColor(tcell.ColorWhite).
					SetExpansion(1))

				runsTable.SetCell(i+1, 5, tview.NewTableCell(fmt.Sprintf("%d", len(run.Steps))).
					SetTextColor(tcell.ColorWhite).
					SetExpansion(0))
			}

			if row >= 1 && row <= len(lastRuns) {
				runsTable.Select(row, 0)
			} else if len(lastRuns) > 0 {
				runsTable.Select(1, 0)
			}
		}

		updateSteps := func() {
			stepsTable.Clear()

			run := selectedRun()
			if run == nil {
				stepsTable.SetTitle(" Steps ")
				return
			}
			stepsTable.SetTitle(fmt.Sprintf(" Steps: %s ", run.ID))

			// Header row
			for col, title := range []string{"STEP", "STATE", "COLLECTION", "READY", "FAILED", "PRUNED", "ERROR"} {
				stepsTable.SetCell(0, col, tview.NewTableCell(title).
					SetTextColor(tcell.ColorYellow).
					SetSelectable(false).
					SetExpansion(1))
			}

			for i, step := range run.Steps {
				stepsTable.SetCell(i+1, 0, tview.NewTableCell(step.Step).
					SetTextColor(tcell.ColorWhite).
					SetExpansion(1))
				stepsTable.SetCell(i+1, 1, tview.NewTableCell(string(step.State)).
					SetTextColor(stepStateColor(step.State)).
					SetExpansion(1))
				stepsTable.SetCell(i+1, 2, tview.NewTableCell(string(step.Collection)).
					SetTextColor(tcell.ColorWhite).
					SetExpansion(1))
				stepsTable.SetCell(i+1, 3, tview.NewTableCell(fmt.Sprintf("%d", step.ReadyCount)).
					SetTextColor(tcell.ColorGreen).
					SetExpansion(0))
				stepsTable.SetCell(i+1, 4, tview.NewTableCell(fmt.Sprintf("%d", step.FailedCount)).
					SetTextColor(tcell.ColorRed).
					SetExpansion(0))
				stepsTable.SetCell(i+1, 5, tview.NewTableCell(fmt.Sprintf("%d", step.PrunedCount)).
					SetTextColor(tcell.ColorRed).
					SetExpansion(0))
				stepsTable.SetCell(i+1, 6, tview.NewTableCell(step.Error).
					SetTextColor(tcell.ColorRed).
					SetExpansion(3))
			}
		}

		updateAll := func() {
			updateHeader()
			updateRuns()
			updateSteps()
		}

		// done is closed when the app stops, to signal goroutines to exit.
		done := make(chan struct{})

		// Poll goroutine: decouples the HTTP round-trips from tview's event
		// loop
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for {
				runs, err := api.list(cmd.Context())
				if err == nil {
					app.QueueUpdateDraw(func() {
						lastRuns = runs
						updateAll()
					})
				}
				select {
				case <-done:
					return
				case <-cmd.Context().Done():
					app.Stop()
					return
				case <-ticker.C:
				}
			}
		}()

		runsTable.SetSelectionChangedFunc(func(row, column int) {
			updateSteps()
		})

		err = app.SetRoot(layout, true).Run()
		close(done)
		return err
	},
}

func runStateColor(state broker.RunState) tcell.Color {
	switch state {
	case broker.RunStateComplete:
		return tcell.ColorGreen
	case broker.RunStateRunning:
		return tcell.ColorAqua
	case broker.RunStateFailed:
		return tcell.ColorRed
	case broker.RunStateAborted:
		return tcell.ColorYellow
	default:
		return tcell.ColorWhite
	}
}

func stepStateColor(state broker.StepState) tcell.Color {
	switch state {
	case broker.StepStateComplete:
		return tcell.ColorGreen
	case broker.StepStateRunning:
		return tcell.ColorAqua
	case broker.StepStatePending, broker.StepStateAllocated:
		return tcell.ColorYellow
	case broker.StepStateFailed, broker.StepStateAborted:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}
