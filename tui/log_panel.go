// ABOUTME: A bounded event log for the progress view.
// ABOUTME: Formats workflow events as color-coded single lines and keeps only the most recent ones.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/assay/workflow"
)

// LogPanelModel keeps the most recent workflow events.
type LogPanelModel struct {
	entries []workflow.Event
	max     int
}

// NewLogPanelModel creates a log that keeps at most max events.
func NewLogPanelModel(max int) LogPanelModel {
	if max <= 0 {
		max = 1
	}
	return LogPanelModel{max: max}
}

// Append adds an event, dropping the oldest when full.
func (m *LogPanelModel) Append(evt workflow.Event) {
	m.entries = append(m.entries, evt)
	if over := len(m.entries) - m.max; over > 0 {
		m.entries = append([]workflow.Event(nil), m.entries[over:]...)
	}
}

// Len returns the number of retained events.
func (m LogPanelModel) Len() int {
	return len(m.entries)
}

// View renders one line per retained event, each cut to width when width
// is positive.
func (m LogPanelModel) View(width int) string {
	lines := make([]string, 0, len(m.entries))
	for _, evt := range m.entries {
		lines = append(lines, formatEvent(evt, width))
	}
	return strings.Join(lines, "\n")
}

func formatEvent(evt workflow.Event, width int) string {
	text := string(evt.Type)
	if evt.Stage != "" {
		text += " " + string(evt.Stage)
	}
	if evt.Attempt > 0 {
		text += fmt.Sprintf(" #%d", evt.Attempt)
	}
	if note := eventNote(evt); note != "" {
		text += ": " + note
	}
	if width > 12 && len([]rune(text)) > width-10 {
		text = string([]rune(text)[:width-13]) + "..."
	}

	ts := LogTimestampStyle.Render(evt.Timestamp.Format("15:04:05"))
	return ts + " " + styleForEvent(evt.Type).Render(text)
}

func eventNote(evt workflow.Event) string {
	for _, key := range []string{"message", "reason"} {
		if v, ok := evt.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func styleForEvent(t workflow.EventType) lipgloss.Style {
	switch t {
	case workflow.EventStageFailed, workflow.EventRunFailed:
		return LogErrorStyle
	case workflow.EventStageCompleted, workflow.EventRunCompleted:
		return LogSuccessStyle
	case workflow.EventStageRetrying:
		return LogRetryStyle
	default:
		return LogEventStyle
	}
}
