// ABOUTME: Tests for Markdown and HTML run reports.
// ABOUTME: Checks sections for completed and failed runs and that raw HTML is not passed through.
package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workspace"
)

func completedInput() Input {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(42 * time.Second)
	return Input{
		Run: store.Run{
			ID: "run-1", Question: "How many rows?\nAnswer as JSON.", Status: store.StatusCompleted,
			Stage: "complete", Result: json.RawMessage(`{"rows":3}`), StartedAt: start, FinishedAt: &end,
		},
		Events: []store.EventRow{
			{Type: "run.started", Timestamp: start},
			{Type: "stage.failed", Stage: "planning", Attempt: 1, Data: map[string]any{"reason": "bad | json"}, Timestamp: start},
			{Type: "run.completed", Timestamp: end},
		},
		Files: []workspace.Entry{{Name: "data.csv", Size: 12}},
	}
}

func TestMarkdownCompletedRun(t *testing.T) {
	md := Markdown(completedInput())
	assert.Contains(t, md, "# Run run-1")
	assert.Contains(t, md, "(42s)")
	assert.Contains(t, md, "> How many rows?\n> Answer as JSON.")
	assert.Contains(t, md, "\"rows\": 3")
	assert.Contains(t, md, `bad \| json`)
	assert.Contains(t, md, "`data.csv` (12 bytes)")
	assert.NotContains(t, md, "## Failure")
}

func TestMarkdownFailedRun(t *testing.T) {
	in := Input{Run: store.Run{
		ID: "run-2", Question: "q", Status: store.StatusFailed, Kind: "final_execution_failed",
		Message: "Final code execution failed.", Detail: "Traceback\n```\nboom", StartedAt: time.Now(),
	}}
	md := Markdown(in)
	assert.Contains(t, md, "**Final code execution failed.** (`final_execution_failed`)")
	assert.Contains(t, md, "````text\nTraceback")
	assert.NotContains(t, md, "## Result")
}

func TestHTMLEscapesRawMarkup(t *testing.T) {
	in := completedInput()
	in.Run.Question = "<script>alert(1)</script> what?"
	out, err := HTML(in)
	require.NoError(t, err)

	page := string(out)
	assert.True(t, strings.HasPrefix(page, "<!DOCTYPE html>"))
	assert.Contains(t, page, "<title>assay run run-1</title>")
	assert.Contains(t, page, "<h1>Run run-1</h1>")
	assert.NotContains(t, page, "<script>alert(1)</script>")
}
