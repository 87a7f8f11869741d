// ABOUTME: Bridge connecting a workflow run to the Bubble Tea message loop.
// ABOUTME: EventBridge forwards run events into a tea.Program; Run drives the whole progress view.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389-research/assay/workflow"
)

// EventBridge wraps a tea.Program's Send method for injecting workflow
// events into the Bubble Tea message loop.
type EventBridge struct {
	send func(msg tea.Msg)
}

// NewEventBridge creates an EventBridge that sends messages via send.
// Typically called with program.Send.
func NewEventBridge(send func(msg tea.Msg)) *EventBridge {
	return &EventBridge{send: send}
}

// HandleEvent has the workflow.EventHandler signature.
func (b *EventBridge) HandleEvent(evt workflow.Event) {
	b.send(EventMsg{Event: evt})
}

// RunFunc performs one run, reporting its events to events.
type RunFunc func(ctx context.Context, events workflow.EventHandler) (*workflow.Result, error)

type runOutcome struct {
	result *workflow.Result
	err    error
}

// Run shows live progress for run until it finishes. Quitting the view
// cancels the run; Run still waits for it to return and reports its outcome.
func Run(ctx context.Context, question string, run RunFunc, opts ...tea.ProgramOption) (*workflow.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(NewProgressModel(question, cancel), opts...)
	bridge := NewEventBridge(program.Send)

	done := make(chan runOutcome, 1)
	go func() {
		result, err := run(ctx, bridge.HandleEvent)
		done <- runOutcome{result: result, err: err}
		program.Send(RunResultMsg{Result: result, Err: err})
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("progress view: %w", err)
	}
	cancel()
	out := <-done
	return out.result, out.err
}
