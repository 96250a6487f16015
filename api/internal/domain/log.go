package domain

import "time"

// LogStatus is the optional lifecycle tag on a log line.
type LogStatus string

// Log lifecycle tags. An empty tag is an ordinary line.
const (
	LogStatusNone      LogStatus = ""
	LogStatusRunning   LogStatus = "running"
	LogStatusCompleted LogStatus = "completed"
	LogStatusFailed    LogStatus = "failed"
)

// IsTerminal reports whether s closes a deployment's log stream.
func (s LogStatus) IsTerminal() bool {
	return s == LogStatusCompleted || s == LogStatusFailed
}

// DeploymentStatus maps a terminal log tag to the deployment state it implies.
func (s LogStatus) DeploymentStatus() (DeploymentStatus, bool) {
	switch s {
	case LogStatusCompleted:
		return StatusReady, true
	case LogStatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// LogEvent is one immutable log line emitted by a worker.
type LogEvent struct {
	EventID      string    `json:"eventId"`
	DeploymentID string    `json:"deploymentId"`
	Log          string    `json:"log"`
	Status       LogStatus `json:"status,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TerminalStatus inspects the chronologically last event and returns its tag
// when it closes the stream.
func TerminalStatus(events []LogEvent) (LogStatus, bool) {
	if len(events) == 0 {
		return LogStatusNone, false
	}
	last := events[len(events)-1].Status
	return last, last.IsTerminal()
}
