// ABOUTME: Terminal failure kinds for a workflow run and the Failure error that carries them.
// ABOUTME: Callers match with errors.As or KindOf to map failures onto responses and exit codes.

package workflow

import (
	"errors"
	"fmt"
)

// Kind identifies why a run ended without a result.
type Kind string

const (
	KindMissingInput              Kind = "missing_input"
	KindPlanningExhausted         Kind = "planning_exhausted"
	KindExecutionExhausted        Kind = "execution_exhausted"
	KindAnalysisPlanningExhausted Kind = "analysis_planning_exhausted"
	KindFinalExecutionFailed      Kind = "final_execution_failed"
	KindResultMissing             Kind = "result_missing"
	KindResultMalformed           Kind = "result_malformed"
	KindCollaboratorFault         Kind = "collaborator_fault"
	KindCancelled                 Kind = "cancelled"
)

// Failure is the error returned for every terminal run failure.
type Failure struct {
	Kind    Kind
	Message string
	// Detail is the last diagnostic output available, often execution output.
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the Kind of the Failure in err's chain, or "" if none.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

func newFailure(kind Kind, message, detail string, err error) *Failure {
	return &Failure{Kind: kind, Message: message, Detail: detail, Err: err}
}
