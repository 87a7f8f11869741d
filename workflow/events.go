// ABOUTME: Lifecycle events emitted by the orchestrator while a run progresses.
// ABOUTME: Consumed by logging, metrics, the run store and the terminal progress view.

package workflow

import "time"

// EventType identifies the kind of workflow lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"
	EventStageRetrying  EventType = "stage.retrying"
)

// Stage names a state of the run state machine.
type Stage string

const (
	StageInit             Stage = "init"
	StagePlanning         Stage = "planning"
	StageExecuting        Stage = "executing"
	StageAnalysisPlanning Stage = "analysis_planning"
	StageFinalExecuting   Stage = "final_executing"
	StageReadingResult    Stage = "reading_result"
	StageComplete         Stage = "complete"
	StageFailed           Stage = "failed"
)

// Event is one lifecycle event. Attempt is 1-based within the stage.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	Stage     Stage          `json:"stage,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler receives events synchronously on the run's goroutine.
type EventHandler func(Event)

// FanOut returns a handler that forwards each event to every non-nil handler.
func FanOut(handlers ...EventHandler) EventHandler {
	var live []EventHandler
	for _, h := range handlers {
		if h != nil {
			live = append(live, h)
		}
	}
	return func(evt Event) {
		for _, h := range live {
			h(evt)
		}
	}
}
