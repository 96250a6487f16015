package domain

import "time"

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

// Deployment lifecycle states.
const (
	StatusNotStarted DeploymentStatus = "NOT_STARTED"
	StatusQueued     DeploymentStatus = "QUEUED"
	StatusInProgress DeploymentStatus = "IN_PROGRESS"
	StatusReady      DeploymentStatus = "READY"
	StatusFailed     DeploymentStatus = "FAILED"
)

// transitions lists the permitted edges. QUEUED -> FAILED is the launch failure edge.
var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusNotStarted: {StatusQueued},
	StatusQueued:     {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusReady, StatusFailed},
}

// Terminal reports whether no transition leaves s.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to DeploymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns the states from which to may be entered.
func Predecessors(to DeploymentStatus) []DeploymentStatus {
	var out []DeploymentStatus
	for _, from := range []DeploymentStatus{StatusNotStarted, StatusQueued, StatusInProgress} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Deployment captures a single deployment attempt.
type Deployment struct {
	ID          string
	ProjectID   string
	Status      DeploymentStatus
	WorkerRef   string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// DeploymentTransition is a guarded status change for one deployment.
type DeploymentTransition struct {
	DeploymentID string
	To           DeploymentStatus
	WorkerRef    string
	Error        string
	At           time.Time
}
