// ABOUTME: Orchestrator drives a run through planning, execution, analysis planning and final execution.
// ABOUTME: Each stage has bounded attempts and feeds digested errors back into the next planner call.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
)

// Limits bounds the attempts of each stage.
type Limits struct {
	// PlanningAttempts is the total number of data collection planning calls.
	PlanningAttempts int `yaml:"planning_attempts"`
	// ExecutionRetries is the number of corrective re-plans after the first
	// execution fails.
	ExecutionRetries int `yaml:"execution_retries"`
	// AnalysisAttempts is the total number of analysis planning calls.
	AnalysisAttempts int `yaml:"analysis_attempts"`
	// FinalStageRetries is the number of corrective re-plans after the final
	// execution fails.
	FinalStageRetries int `yaml:"final_stage_retries"`
	// DigestWords is how many trailing words of an error are fed back.
	DigestWords int `yaml:"digest_words"`
	// RequireDataArtifact treats a missing or empty data.csv after a
	// successful data collection run as an execution failure.
	RequireDataArtifact bool `yaml:"require_data_artifact"`
}

// DefaultLimits returns 3/3/3 attempts, no final stage retry and 25 word digests.
func DefaultLimits() Limits {
	return Limits{
		PlanningAttempts:    3,
		ExecutionRetries:    3,
		AnalysisAttempts:    3,
		FinalStageRetries:   0,
		DigestWords:         DefaultDigestWords,
		RequireDataArtifact: true,
	}
}

// Request is the input of one run. Folder must already exist.
type Request struct {
	RunID    string
	Folder   string
	Question string
	Uploads  []Upload
	// Logger overrides the orchestrator logger for this run.
	Logger *log.Logger
	// Events receives this run's events after the orchestrator handler.
	Events EventHandler
}

// Orchestrator runs the workflow state machine. It holds no per-run state
// and may serve concurrent runs.
type Orchestrator struct {
	planner  Planner
	executor Executor
	limits   Limits
	events   EventHandler
	logger   *log.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimits replaces the default stage limits.
func WithLimits(l Limits) Option {
	return func(o *Orchestrator) {
		o.limits = l
	}
}

// WithEventHandler registers the lifecycle event callback.
func WithEventHandler(h EventHandler) Option {
	return func(o *Orchestrator) {
		o.events = h
	}
}

// WithLogger sets the default logger for runs that do not bring their own.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// New creates an Orchestrator over the given collaborators.
func New(planner Planner, executor Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:  planner,
		executor: executor,
		limits:   DefaultLimits(),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limits.DigestWords <= 0 {
		o.limits.DigestWords = DefaultDigestWords
	}
	return o
}

// Limits returns the active stage limits.
func (o *Orchestrator) Limits() Limits {
	return o.limits
}

// Run executes one workflow run to completion. It returns the result, or a
// *Failure describing the terminal state.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	rc := newRunContext(req, o.logger)
	start := time.Now()
	o.emit(rc, Event{Type: EventRunStarted, Data: map[string]any{"folder": rc.Folder}})
	rc.logf("action=start folder=%s uploads=%d", rc.Folder, len(rc.Uploads))

	result, err := o.run(ctx, rc)
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = newFailure(KindCollaboratorFault, "Unexpected workflow error.", "", err)
			err = f
		}
		failedAt := rc.Stage
		rc.Stage = StageFailed
		rc.logf("action=failed stage=%s kind=%s duration=%s err=%v", failedAt, f.Kind, time.Since(start).Round(time.Millisecond), err)
		o.emit(rc, Event{Type: EventRunFailed, Stage: failedAt, Data: map[string]any{
			"kind":    string(f.Kind),
			"message": f.Message,
			"detail":  f.Detail,
		}})
		return nil, err
	}

	rc.Stage = StageComplete
	rc.logf("action=complete duration=%s bytes=%d", time.Since(start).Round(time.Millisecond), len(result.Raw))
	o.emit(rc, Event{Type: EventRunCompleted, Data: map[string]any{"bytes": len(result.Raw)}})
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, rc *RunContext) (*Result, error) {
	if rc.OriginalQuestion == "" {
		return nil, newFailure(KindMissingInput, "Question is missing.", "", nil)
	}
	if err := checkFolder(rc.Folder); err != nil {
		return nil, newFailure(KindCollaboratorFault, "Working folder is not usable.", "", err)
	}

	plan, err := o.planInitial(ctx, rc)
	if err != nil {
		return nil, err
	}

	plan, err = o.executeWithCorrection(ctx, rc, StageExecuting, plan, o.limits.ExecutionRetries, o.limits.RequireDataArtifact,
		func(ctx context.Context, feedback string) (*Plan, error) {
			return o.callPlan(ctx, rc, rc.Question+feedback)
		},
		func(last ExecutionOutcome) *Failure {
			return newFailure(KindExecutionExhausted,
				fmt.Sprintf("Code execution failed after %d retries.", o.limits.ExecutionRetries),
				Digest(last.Output, o.limits.DigestWords), nil)
		})
	if err != nil {
		return nil, err
	}

	questions := analysisQuestions(plan.Questions, rc.OriginalQuestion)
	analysis, err := o.planAnalysis(ctx, rc, questions)
	if err != nil {
		return nil, err
	}

	_, err = o.executeWithCorrection(ctx, rc, StageFinalExecuting, analysis, o.limits.FinalStageRetries, false,
		func(ctx context.Context, feedback string) (*Plan, error) {
			return o.callPlanAnalysis(ctx, rc, append(append([]string(nil), questions...), strings.TrimSpace(feedback)))
		},
		func(last ExecutionOutcome) *Failure {
			return newFailure(KindFinalExecutionFailed, "Final code execution failed.", last.Output, nil)
		})
	if err != nil {
		return nil, err
	}

	if err := o.checkCancelled(ctx, rc); err != nil {
		return nil, err
	}
	rc.enter(StageReadingResult)
	o.emit(rc, Event{Type: EventStageStarted, Stage: StageReadingResult, Attempt: 1})
	result, err := ReadResult(rc.Folder)
	if err != nil {
		o.emit(rc, Event{Type: EventStageFailed, Stage: StageReadingResult, Attempt: 1, Data: map[string]any{"reason": err.Error()}})
		return nil, err
	}
	o.emit(rc, Event{Type: EventStageCompleted, Stage: StageReadingResult, Attempt: 1})
	return result, nil
}

// planInitial runs the data collection planning stage. Each failed attempt
// appends its error digest to the accumulated question.
func (o *Orchestrator) planInitial(ctx context.Context, rc *RunContext) (*Plan, error) {
	var lastErr error
	for i := 0; i < o.limits.PlanningAttempts; i++ {
		if err := o.checkCancelled(ctx, rc); err != nil {
			return nil, err
		}
		attempt := rc.enter(StagePlanning)
		o.emit(rc, Event{Type: EventStageStarted, Stage: StagePlanning, Attempt: attempt})

		plan, err := o.callPlan(ctx, rc, rc.Question)
		if err == nil {
			rc.Plan = plan
			rc.logf("action=plan stage=%s attempt=%d libraries=%d questions=%d", StagePlanning, attempt, len(plan.Libraries), len(plan.Questions))
			o.emit(rc, Event{Type: EventStageCompleted, Stage: StagePlanning, Attempt: attempt})
			return plan, nil
		}
		if cerr := o.checkCancelled(ctx, rc); cerr != nil {
			return nil, cerr
		}

		lastErr = err
		digest := Digest(err, o.limits.DigestWords)
		rc.logf("action=plan_failed stage=%s attempt=%d err=%q", StagePlanning, attempt, digest)
		o.emit(rc, Event{Type: EventStageFailed, Stage: StagePlanning, Attempt: attempt, Data: map[string]any{"reason": digest}})
		if i+1 < o.limits.PlanningAttempts {
			rc.Question += "\n\nPrevious attempt failed with error: " + digest
			o.emit(rc, Event{Type: EventStageRetrying, Stage: StagePlanning, Attempt: attempt})
		}
	}
	return nil, newFailure(KindPlanningExhausted,
		fmt.Sprintf("Failed to generate a valid plan after %d attempts.", o.limits.PlanningAttempts),
		Digest(lastErr, o.limits.DigestWords), lastErr)
}

// planAnalysis runs the analysis planning stage. Each failed attempt appends
// its error digest to the question list.
func (o *Orchestrator) planAnalysis(ctx context.Context, rc *RunContext, questions []string) (*Plan, error) {
	current := append([]string(nil), questions...)
	var lastErr error
	for i := 0; i < o.limits.AnalysisAttempts; i++ {
		if err := o.checkCancelled(ctx, rc); err != nil {
			return nil, err
		}
		attempt := rc.enter(StageAnalysisPlanning)
		o.emit(rc, Event{Type: EventStageStarted, Stage: StageAnalysisPlanning, Attempt: attempt})

		plan, err := o.callPlanAnalysis(ctx, rc, current)
		if err == nil {
			rc.Plan = plan
			rc.logf("action=plan stage=%s attempt=%d libraries=%d", StageAnalysisPlanning, attempt, len(plan.Libraries))
			o.emit(rc, Event{Type: EventStageCompleted, Stage: StageAnalysisPlanning, Attempt: attempt})
			return plan, nil
		}
		if cerr := o.checkCancelled(ctx, rc); cerr != nil {
			return nil, cerr
		}

		lastErr = err
		digest := Digest(err, o.limits.DigestWords)
		rc.logf("action=plan_failed stage=%s attempt=%d err=%q", StageAnalysisPlanning, attempt, digest)
		o.emit(rc, Event{Type: EventStageFailed, Stage: StageAnalysisPlanning, Attempt: attempt, Data: map[string]any{"reason": digest}})
		if i+1 < o.limits.AnalysisAttempts {
			current = append(current, "Previous attempt failed with error: "+digest)
			o.emit(rc, Event{Type: EventStageRetrying, Stage: StageAnalysisPlanning, Attempt: attempt})
		}
	}
	return nil, newFailure(KindAnalysisPlanningExhausted,
		fmt.Sprintf("Failed to generate a valid analysis plan after %d attempts.", o.limits.AnalysisAttempts),
		Digest(lastErr, o.limits.DigestWords), lastErr)
}

// replanFunc asks the planner for a corrected plan. feedback starts with a
// blank line and carries the digest of the failed execution.
type replanFunc func(ctx context.Context, feedback string) (*Plan, error)

// executeWithCorrection executes plan and, while it fails, re-plans with the
// failure digest up to retries times. A re-plan that errors uses up a retry
// without executing. It returns the plan whose execution succeeded, or the
// Failure built by exhausted from the last failed outcome.
func (o *Orchestrator) executeWithCorrection(ctx context.Context, rc *RunContext, stage Stage, plan *Plan, retries int, verifyData bool, replan replanFunc, exhausted func(ExecutionOutcome) *Failure) (*Plan, error) {
	outcome, err := o.execute(ctx, rc, stage, plan, verifyData)
	if err != nil {
		return nil, err
	}

	for used := 0; !outcome.Succeeded(); {
		if used >= retries {
			return nil, exhausted(outcome)
		}
		used++
		if err := o.checkCancelled(ctx, rc); err != nil {
			return nil, err
		}

		digest := Digest(outcome.Output, o.limits.DigestWords)
		o.emit(rc, Event{Type: EventStageRetrying, Stage: stage, Attempt: rc.Attempts[stage], Data: map[string]any{"reason": digest, "retry": used}})
		feedback := "\n\nThe previous code failed with this error: " + digest + ". Please provide a corrected version."
		rc.discardPlan()

		next, err := replan(ctx, feedback)
		if err != nil {
			if cerr := o.checkCancelled(ctx, rc); cerr != nil {
				return nil, cerr
			}
			rc.logf("action=replan_failed stage=%s retry=%d err=%q", stage, used, Digest(err, o.limits.DigestWords))
			rc.LastOutcome = &outcome
			continue
		}
		plan = next
		rc.Plan = plan

		outcome, err = o.execute(ctx, rc, stage, plan, verifyData)
		if err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// execute runs plan once. Executor errors and panics become failure
// outcomes; only cancellation is returned as an error.
func (o *Orchestrator) execute(ctx context.Context, rc *RunContext, stage Stage, plan *Plan, verifyData bool) (ExecutionOutcome, error) {
	if err := o.checkCancelled(ctx, rc); err != nil {
		return ExecutionOutcome{}, err
	}
	attempt := rc.enter(stage)
	o.emit(rc, Event{Type: EventStageStarted, Stage: stage, Attempt: attempt})

	start := time.Now()
	outcome, err := o.safeRun(ctx, rc, plan)
	if err != nil {
		if cerr := o.checkCancelled(ctx, rc); cerr != nil {
			return ExecutionOutcome{}, cerr
		}
		outcome = ExecutionOutcome{Status: StatusFailure, Output: err.Error()}
	}
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}
	if outcome.Status != StatusSuccess {
		outcome.Status = StatusFailure
	}

	if outcome.Succeeded() && verifyData {
		if verr := verifyDataArtifact(rc.Folder); verr != nil {
			outcome = ExecutionOutcome{Status: StatusFailure, Output: strings.TrimSpace(outcome.Output + "\n" + verr.Error()), Duration: outcome.Duration}
		}
	}
	rc.LastOutcome = &outcome

	data := map[string]any{"duration_ms": outcome.Duration.Milliseconds()}
	if outcome.Succeeded() {
		rc.logf("action=execute stage=%s attempt=%d status=success duration=%s", stage, attempt, outcome.Duration.Round(time.Millisecond))
		o.emit(rc, Event{Type: EventStageCompleted, Stage: stage, Attempt: attempt, Data: data})
	} else {
		digest := Digest(outcome.Output, o.limits.DigestWords)
		data["reason"] = digest
		rc.logf("action=execute stage=%s attempt=%d status=failure duration=%s output=%q", stage, attempt, outcome.Duration.Round(time.Millisecond), digest)
		o.emit(rc, Event{Type: EventStageFailed, Stage: stage, Attempt: attempt, Data: data})
	}
	return outcome, nil
}

func (o *Orchestrator) callPlan(ctx context.Context, rc *RunContext, question string) (plan *Plan, err error) {
	defer recoverCollaborator("planner", &err)
	plan, err = o.planner.Plan(ctx, question, rc.Uploads, rc.Folder)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (o *Orchestrator) callPlanAnalysis(ctx context.Context, rc *RunContext, questions []string) (plan *Plan, err error) {
	defer recoverCollaborator("analysis planner", &err)
	plan, err = o.planner.PlanAnalysis(ctx, questions, rc.Folder)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (o *Orchestrator) safeRun(ctx context.Context, rc *RunContext, plan *Plan) (outcome ExecutionOutcome, err error) {
	defer recoverCollaborator("executor", &err)
	return o.executor.Run(ctx, plan.Code, plan.Libraries, rc.Folder)
}

// recoverCollaborator converts a collaborator panic into an error so it is
// handled like any other failed call. The stack goes to the process log only.
func recoverCollaborator(who string, err *error) {
	if r := recover(); r != nil {
		log.Printf("component=workflow action=recover collaborator=%q panic=%v\n%s", who, r, debug.Stack())
		*err = fmt.Errorf("%s panic: %v", who, r)
	}
}

func (o *Orchestrator) checkCancelled(ctx context.Context, rc *RunContext) error {
	if err := ctx.Err(); err != nil {
		return newFailure(KindCancelled, "Run cancelled.", "", err)
	}
	return nil
}

// emit stamps and routes evt to the event handler, if any.
func (o *Orchestrator) emit(rc *RunContext, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.RunID = rc.ID
	if o.events != nil {
		o.events(evt)
	}
	if rc.events != nil {
		rc.events(evt)
	}
}

// analysisQuestions falls back to the submitted question when the plan
// extracted none.
func analysisQuestions(fromPlan []string, original string) []string {
	if len(fromPlan) > 0 {
		return append([]string(nil), fromPlan...)
	}
	return []string{original}
}

func checkFolder(folder string) error {
	if folder == "" {
		return errors.New("folder must not be empty")
	}
	info, err := os.Stat(folder)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", folder)
	}
	return nil
}

// verifyDataArtifact checks that data.csv exists and is not empty. Its
// contents are left to the analysis code.
func verifyDataArtifact(folder string) error {
	info, err := os.Stat(filepath.Join(folder, DataArtifact))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s was not written to the working folder", DataArtifact)
		}
		return fmt.Errorf("checking %s: %w", DataArtifact, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", DataArtifact)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", DataArtifact)
	}
	return nil
}
