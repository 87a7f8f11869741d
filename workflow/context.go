// ABOUTME: Per-run workflow state: working folder, accumulated question text and attempt counters.
// ABOUTME: Owned by exactly one run and discarded when it ends.

package workflow

import (
	"log"
	"strings"
)

// RunContext is the mutable state of a single run.
type RunContext struct {
	ID     string
	Folder string
	// OriginalQuestion is the question as submitted.
	OriginalQuestion string
	// Question accumulates planner error feedback across planning attempts.
	Question string
	Uploads  []Upload

	Stage    Stage
	Attempts map[Stage]int

	// Plan is the current plan; LastOutcome its most recent execution.
	Plan        *Plan
	LastOutcome *ExecutionOutcome

	logger *log.Logger
	events EventHandler
}

func newRunContext(req Request, logger *log.Logger) *RunContext {
	if req.Logger != nil {
		logger = req.Logger
	}
	q := strings.TrimSpace(req.Question)
	return &RunContext{
		ID:               req.RunID,
		Folder:           req.Folder,
		OriginalQuestion: q,
		Question:         q,
		Uploads:          req.Uploads,
		Stage:            StageInit,
		Attempts:         make(map[Stage]int),
		logger:           logger,
		events:           req.Events,
	}
}

// enter moves the run into stage and bumps that stage's attempt counter.
func (rc *RunContext) enter(stage Stage) int {
	rc.Stage = stage
	rc.Attempts[stage]++
	return rc.Attempts[stage]
}

// discardPlan drops the current plan and outcome before planning afresh.
func (rc *RunContext) discardPlan() {
	rc.Plan = nil
	rc.LastOutcome = nil
}

func (rc *RunContext) logf(format string, args ...any) {
	rc.logger.Printf("component=workflow run=%s "+format, append([]any{rc.ID}, args...)...)
}
