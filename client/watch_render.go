package main

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rivo/uniseg"
	"github.com/samber/lo"

	"github.com/loadops/stampede/broker"
)

// Threshold constants for duration-based emoji labels in the watch display.
var (
	runSlowThreshold      = 1 * time.Hour
	runVerySlowThreshold  = 2 * time.Hour
	stepSlowThreshold     = 30 * time.Minute
	stepVerySlowThreshold = 1 * time.Hour
)

// watchRenderer holds the rendering state and injectable dependencies for
// the watch display.
type watchRenderer struct {
	runID     string
	verbose   bool
	termWidth func() int       // injected; tests pass a constant
	now       func() time.Time // injected; tests pass a fixed time
}

// emojiLabel returns the emoji followed by spacing equal to its rune count,
// ensuring consistent alignment regardless of emoji rendering width.
func emojiLabel(emoji string) string {
	return emoji + strings.Repeat(" ", utf8.RuneCountInString(emoji))
}

// formatItems formats a list of step names for display, truncating if needed.
// When last is true, the last N items are shown (with "… " prefix); otherwise
// the first N. When verbose is true, all items are shown without truncation.
func formatItems(items []string, last bool, verbose bool) string {
	nbItems := len(items)
	if nbItems < 1 {
		return ""
	}

	// Try to display the first or last 20 items, as long as displaying them
	// doesn't exceed 180 characters... except in verbose mode, where we
	// display everything.
	displayItems := 20
	lineLength := 180
	if verbose {
		displayItems = math.MaxInt32
		lineLength = math.MaxInt32
	}
	partial := nbItems > displayItems
	var nItems []string
	for displayItems > 0 {
		if last {
			nItems = items[max(0, nbItems-displayItems):]
		} else {
			nItems = items[:min(nbItems, displayItems)]
		}
		if uniseg.GraphemeClusterCount(strings.Join(nItems, " ")) <= lineLength {
			break
		}
		displayItems -= 1
		partial = true
	}

	if last {
		return fmt.Sprintf("%s%s (%s%d)", lo.Ternary(partial, "… ", ""), strings.Join(nItems, " "), emojiLabel("📝"), nbItems)
	}
	return fmt.Sprintf("%s%s (%s%d)", strings.Join(nItems, " "), lo.Ternary(partial, " …", ""), emojiLabel("📝"), nbItems)
}

// visualLineCount returns how many visual lines a string occupies in the
// terminal, accounting for line wrapping when a logical line exceeds
// terminal width.
func visualLineCount(s string, termWidth int) int {
	if termWidth <= 0 {
		termWidth = 80
	}
	count := 0
	for _, line := range strings.Split(s, "\n") {
		w := uniseg.GraphemeClusterCount(line)
		if w <= termWidth {
			count++
		} else {
			count += (w + termWidth - 1) / termWidth
		}
	}
	return count
}

// renderTimestamp returns the run duration display string with appropriate
// emoji.
func (r *watchRenderer) renderTimestamp(run broker.Run) string {
	if !run.CompletedAt.IsZero() {
		return emojiLabel("🏁") + run.CompletedAt.Sub(run.CreatedAt).Truncate(time.Second).String()
	}
	runningFor := r.now().Sub(run.CreatedAt).Truncate(time.Second)
	runningForEmoji := lo.Ternary(runningFor >= runSlowThreshold, lo.Ternary(runningFor >= runVerySlowThreshold, "🧟", "🐢"), "⏱️")
	return emojiLabel(runningForEmoji) + runningFor.String()
}

// renderStats returns the step names and the formatted stats string with
// emoji sections.
func (r *watchRenderer) renderStats(run broker.Run) (stepNames []string, stats string) {
	waiting := []string{}
	running := []string{}
	aborted := []string{}
	failed := []string{}
	completed := []string{}

	stepNames = lo.Map(run.Steps, func(s broker.StepRecord, _ int) string { return s.Step })
	for _, step := range run.Steps {
		label := step.Step

		if !step.StartedAt.IsZero() {
			var runningFor time.Duration
			if !step.StoppedAt.IsZero() {
				runningFor = step.StoppedAt.Sub(step.StartedAt).Truncate(time.Minute)
			} else {
				runningFor = r.now().Sub(step.StartedAt).Truncate(time.Minute)
			}
			if runningFor >= stepSlowThreshold {
				label += fmt.Sprintf(" (%s%s)", emojiLabel(lo.Ternary(runningFor >= stepVerySlowThreshold, "🧟", "🐢")), runningFor)
			}
		}
		if step.PrunedCount > 0 {
			label += fmt.Sprintf(" (%s%d)", emojiLabel("🪓"), step.PrunedCount)
		}

		switch step.State {
		case broker.StepStatePending, broker.StepStateAllocated:
			waiting = append(waiting, label)
		case broker.StepStateRunning:
			if step.ReadyCount > 0 {
				label += fmt.Sprintf(" [%d]", step.ReadyCount)
			}
			running = append(running, label)
		case broker.StepStateAborted:
			aborted = append(aborted, label)
		case broker.StepStateFailed:
			failed = append(failed, label)
		case broker.StepStateComplete:
			completed = append(completed, label)
		}
	}

	statItems := []string{}
	if len(waiting) > 0 {
		statItems = append(statItems, emojiLabel("⏳")+formatItems(waiting, false, r.verbose))
	}
	if len(running) > 0 {
		statItems = append(statItems, emojiLabel("⚙️")+formatItems(running, false, r.verbose))
	}
	if len(aborted) > 0 {
		statItems = append(statItems, emojiLabel("🛑")+formatItems(aborted, true, r.verbose))
	}
	if len(failed) > 0 {
		statItems = append(statItems, emojiLabel("💥")+formatItems(failed, true, r.verbose))
	}
	if len(completed) > 0 {
		statItems = append(statItems, emojiLabel("✅")+formatItems(completed, true, r.verbose))
	}

	stats = strings.Join(statItems, "\n")
	return
}

// renderOutput composes the full watch display and returns the output string
// and the number of display lines (for cursor repositioning).
func (r *watchRenderer) renderOutput(run broker.Run) (output string, displayLines int) {
	timestamp := r.renderTimestamp(run)
	stepNames, stats := r.renderStats(run)
	header := fmt.Sprintf("Run '%s' %s (%s%d, %s)", r.runID, run.State, emojiLabel("📝"), len(stepNames), timestamp)
	output = header
	if stats != "" {
		output += "\n" + stats
	}
	displayLines = visualLineCount(output, r.termWidth()) - 1 // -1: cursor is already on the last line
	return
}
