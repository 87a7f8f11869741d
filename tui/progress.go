// ABOUTME: ProgressModel is the Bubble Tea model behind `assay ask --tui`.
// ABOUTME: Shows one row per workflow stage with a spinner, a short event log and the final outcome.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389-research/assay/workflow"
)

type stageRow struct {
	stage    workflow.Stage
	label    string
	status   StageStatus
	attempts int
}

func defaultRows() []stageRow {
	return []stageRow{
		{stage: workflow.StagePlanning, label: "Plan data collection"},
		{stage: workflow.StageExecuting, label: "Collect data"},
		{stage: workflow.StageAnalysisPlanning, label: "Plan analysis"},
		{stage: workflow.StageFinalExecuting, label: "Run analysis"},
		{stage: workflow.StageReadingResult, label: "Read result"},
	}
}

// ProgressModel renders the live state of one run.
type ProgressModel struct {
	question string
	rows     []stageRow
	log      LogPanelModel
	spinner  spinner.Model
	cancel   context.CancelFunc

	started  time.Time
	finished time.Time
	done     bool
	quitting bool
	result   *workflow.Result
	err      error
	width    int
}

// NewProgressModel creates a model for a run of question. cancel, if
// non-nil, is called when the user quits before the run ends.
func NewProgressModel(question string, cancel context.CancelFunc) ProgressModel {
	return ProgressModel{
		question: strings.TrimSpace(question),
		rows:     defaultRows(),
		log:      NewLogPanelModel(8),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(RunningStyle)),
		cancel:   cancel,
		started:  time.Now(),
	}
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case EventMsg:
		m.handleEvent(msg.Event)
		return m, nil

	case RunResultMsg:
		m.done = true
		m.finished = time.Now()
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *ProgressModel) handleEvent(evt workflow.Event) {
	m.log.Append(evt)
	if evt.Type == workflow.EventRunStarted && !evt.Timestamp.IsZero() {
		m.started = evt.Timestamp
	}

	row := m.row(evt.Stage)
	if row == nil {
		return
	}
	switch evt.Type {
	case workflow.EventStageStarted:
		row.status = StageRunning
		row.attempts = evt.Attempt
	case workflow.EventStageCompleted:
		row.status = StageCompleted
	case workflow.EventStageFailed, workflow.EventRunFailed:
		row.status = StageFailed
	}
}

func (m *ProgressModel) row(stage workflow.Stage) *stageRow {
	for i := range m.rows {
		if m.rows[i].stage == stage {
			return &m.rows[i]
		}
	}
	return nil
}

// Status returns the display status of stage.
func (m ProgressModel) Status(stage workflow.Stage) StageStatus {
	if row := m.row(stage); row != nil {
		return row.status
	}
	return StagePending
}

// Done reports whether the run has finished.
func (m ProgressModel) Done() bool {
	return m.done
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("assay"))
	b.WriteString("\n")
	if m.question != "" {
		b.WriteString(QuestionStyle.Render(m.question))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, row := range m.rows {
		marker := row.status.Icon()
		if row.status == StageRunning && !m.done {
			marker = " " + m.spinner.View() + " "
		}
		line := fmt.Sprintf("%s %s", marker, row.label)
		if row.attempts > 1 {
			line += fmt.Sprintf(" (attempt %d)", row.attempts)
		}
		b.WriteString(StyleForStatus(row.status).Render(line))
		b.WriteString("\n")
	}

	if m.log.Len() > 0 {
		b.WriteString("\n")
		b.WriteString(m.log.View(m.width))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	return b.String()
}

func (m ProgressModel) statusLine() string {
	end := time.Now()
	if m.done {
		end = m.finished
	}
	elapsed := end.Sub(m.started).Round(time.Second)
	bar := StatusBarStyle.Render(fmt.Sprintf("elapsed %s", elapsed))

	switch {
	case m.done && m.err == nil:
		return bar + " " + CompletedStyle.Render("DONE")
	case m.done:
		msg := m.err.Error()
		var f *workflow.Failure
		if errors.As(m.err, &f) {
			msg = f.Message
		}
		return bar + " " + FailedStyle.Render("FAILED: "+msg)
	case m.quitting:
		return bar + " " + FailedStyle.Render("cancelling...")
	default:
		return bar + " " + PendingStyle.Render("q to cancel")
	}
}
