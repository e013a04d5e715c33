package main

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loadops/stampede/broker"
)

var watchNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testRenderer() *watchRenderer {
	return &watchRenderer{
		runID:     "swift-bison",
		termWidth: func() int { return 80 },
		now:       func() time.Time { return watchNow },
	}
}

func stepRecord(name string, state broker.StepState) broker.StepRecord {
	return broker.StepRecord{Step: name, State: state}
}

func TestFormatItemsShort(t *testing.T) {
	assert.Equal(t, "", formatItems(nil, false, false))
	assert.Equal(t,
		fmt.Sprintf("alpha beta (%s2)", emojiLabel("📝")),
		formatItems([]string{"alpha", "beta"}, false, false),
	)
}

func TestFormatItemsTruncatesLongLists(t *testing.T) {
	items := make([]string, 30)
	for i := range items {
		items[i] = fmt.Sprintf("step-%02d", i)
	}

	first := formatItems(items, false, false)
	assert.True(t, strings.HasPrefix(first, "step-00"), first)
	assert.Contains(t, first, " …")
	assert.Contains(t, first, "30)")

	last := formatItems(items, true, false)
	assert.True(t, strings.HasPrefix(last, "… "), last)
	assert.Contains(t, last, "step-29")
}

func TestFormatItemsVerboseShowsEverything(t *testing.T) {
	items := make([]string, 30)
	for i := range items {
		items[i] = fmt.Sprintf("step-%02d", i)
	}

	out := formatItems(items, false, true)
	assert.NotContains(t, out, "…")
	for _, item := range items {
		assert.Contains(t, out, item)
	}
}

func TestVisualLineCount(t *testing.T) {
	assert.Equal(t, 1, visualLineCount("short", 80))
	assert.Equal(t, 2, visualLineCount("one\ntwo", 80))
	// A 100-character line wraps to two visual lines at width 80
	assert.Equal(t, 2, visualLineCount(strings.Repeat("x", 100), 80))
	// Zero width falls back to 80
	assert.Equal(t, 2, visualLineCount(strings.Repeat("x", 100), 0))
}

func TestRenderTimestampRunning(t *testing.T) {
	r := testRenderer()

	run := broker.Run{CreatedAt: watchNow.Add(-90 * time.Second)}
	assert.Equal(t, emojiLabel("⏱️")+"1m30s", r.renderTimestamp(run))

	run = broker.Run{CreatedAt: watchNow.Add(-90 * time.Minute)}
	assert.True(t, strings.HasPrefix(r.renderTimestamp(run), emojiLabel("🐢")))

	run = broker.Run{CreatedAt: watchNow.Add(-3 * time.Hour)}
	assert.True(t, strings.HasPrefix(r.renderTimestamp(run), emojiLabel("🧟")))
}

func TestRenderTimestampCompleted(t *testing.T) {
	r := testRenderer()
	run := broker.Run{
		CreatedAt:   watchNow.Add(-10 * time.Minute),
		CompletedAt: watchNow,
	}
	assert.Equal(t, emojiLabel("🏁")+"10m0s", r.renderTimestamp(run))
}

func TestRenderStatsSections(t *testing.T) {
	r := testRenderer()
	run := broker.Run{Steps: []broker.StepRecord{
		stepRecord("warmup", broker.StepStateComplete),
		stepRecord("load", broker.StepStateRunning),
		stepRecord("spike", broker.StepStatePending),
		stepRecord("soak", broker.StepStateFailed),
	}}

	names, stats := r.renderStats(run)
	assert.Equal(t, []string{"warmup", "load", "spike", "soak"}, names)

	lines := strings.Split(stats, "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], "⏳")
	assert.Contains(t, lines[0], "spike")
	assert.Contains(t, lines[1], "⚙️")
	assert.Contains(t, lines[1], "load")
	assert.Contains(t, lines[2], "💥")
	assert.Contains(t, lines[2], "soak")
	assert.Contains(t, lines[3], "✅")
	assert.Contains(t, lines[3], "warmup")
}

func TestRenderStatsShowsReadyAndPrunedCounts(t *testing.T) {
	r := testRenderer()
	run := broker.Run{Steps: []broker.StepRecord{
		{Step: "load", State: broker.StepStateRunning, ReadyCount: 18, PrunedCount: 2},
	}}

	_, stats := r.renderStats(run)
	assert.Contains(t, stats, "[18]")
	assert.Contains(t, stats, "🪓")
}

func TestRenderStatsLabelsSlowSteps(t *testing.T) {
	r := testRenderer()
	run := broker.Run{Steps: []broker.StepRecord{
		{Step: "soak", State: broker.StepStateRunning, StartedAt: watchNow.Add(-45 * time.Minute)},
	}}

	_, stats := r.renderStats(run)
	assert.Contains(t, stats, "🐢")
	assert.Contains(t, stats, "45m")
}

func TestRenderOutput(t *testing.T) {
	r := testRenderer()
	run := broker.Run{
		State:     broker.RunStateRunning,
		CreatedAt: watchNow.Add(-time.Minute),
		Steps: []broker.StepRecord{
			stepRecord("load", broker.StepStateRunning),
		},
	}

	output, displayLines := r.renderOutput(run)
	assert.Contains(t, output, "Run 'swift-bison' running")
	assert.Contains(t, output, "load")
	assert.Equal(t, 1, displayLines)
}
