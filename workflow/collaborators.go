// ABOUTME: Planner and Executor collaborator interfaces plus the execution outcome they exchange.
// ABOUTME: Implementations live in the planner and sandbox packages; tests supply fakes.

package workflow

import (
	"context"
	"time"
)

// Well-known files in a run's working folder.
const (
	DataArtifact     = "data.csv"
	MetadataArtifact = "metadata.txt"
	ResultArtifact   = "result.json"
	RunLogFile       = "app.log"
)

// Upload is a user-supplied file saved in the working folder.
type Upload struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Planner turns questions into executable plans.
type Planner interface {
	// Plan produces data collection code for question. The code is expected
	// to write data.csv and metadata.txt into folder.
	Plan(ctx context.Context, question string, uploads []Upload, folder string) (*Plan, error)
	// PlanAnalysis produces analysis code answering questions from the data in
	// folder. The code is expected to write result.json.
	PlanAnalysis(ctx context.Context, questions []string, folder string) (*Plan, error)
}

// Status is the verdict of one execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ExecutionOutcome is the result of running one plan.
type ExecutionOutcome struct {
	Status   Status        `json:"status"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the execution succeeded.
func (o ExecutionOutcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Executor runs generated code with its libraries inside folder. A returned
// error means the executor itself broke; code failures are reported through
// the outcome.
type Executor interface {
	Run(ctx context.Context, code string, libraries []string, folder string) (ExecutionOutcome, error)
}
