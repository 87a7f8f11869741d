// ABOUTME: Bubble Tea message types used in the progress view's message loop.
// ABOUTME: Each type wraps a workflow event or outcome for the tea.Msg interface.
package tui

import "github.com/2389-research/assay/workflow"

// EventMsg wraps a workflow.Event for the Bubble Tea message loop.
type EventMsg struct {
	Event workflow.Event
}

// RunResultMsg signals that the run has finished.
type RunResultMsg struct {
	Result *workflow.Result
	Err    error
}
