// ABOUTME: Defines the StageStatus enum for rows of the progress view.
// ABOUTME: Provides String/Icon methods used when rendering stage rows.
package tui

// StageStatus is the display state of one workflow stage.
type StageStatus int

const (
	StagePending   StageStatus = iota // not reached yet
	StageRunning                      // an attempt is in flight
	StageCompleted                    // the last attempt succeeded
	StageFailed                       // the last attempt failed
)

// String returns the lowercase name of the status.
func (s StageStatus) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRunning:
		return "running"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns a bracket-style status marker.
func (s StageStatus) Icon() string {
	switch s {
	case StagePending:
		return "[ ]"
	case StageRunning:
		return "[~]"
	case StageCompleted:
		return "[*]"
	case StageFailed:
		return "[!]"
	default:
		return "[?]"
	}
}
