// Package worker defines the control-plane contract the orchestrator uses to
// launch and observe build workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoWorker indicates the runtime accepted a launch but returned no handle.
	ErrNoWorker = errors.New("worker: launch returned no worker handle")
	// ErrNotFound indicates the runtime has no record of the worker.
	ErrNotFound = errors.New("worker: not found")
)

// Ref is the runtime handle of a launched worker.
type Ref string

// State is the coarse lifecycle of a worker as reported by its runtime.
type State string

// Worker states.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Finished reports whether the worker exited.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed
}

// Status is a point-in-time description of a worker.
type Status struct {
	State    State
	ExitCode int
	Reason   string
}

// LaunchRequest describes one build worker.
type LaunchRequest struct {
	DeploymentID string
	ProjectID    string
	Env          map[string]string
}

// Launcher starts and inspects workers. Launch is idempotent per deployment:
// relaunching an existing deployment returns the existing worker.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Ref, error)
	Describe(ctx context.Context, ref Ref) (Status, error)
	Stop(ctx context.Context, ref Ref) error
}

// Labels attached to every worker resource.
const (
	DeploymentLabel = "snapdeploy.dev/deployment-id"
	ProjectLabel    = "snapdeploy.dev/project-id"
)

// Name derives the deterministic runtime name for a deployment's worker.
func Name(deploymentID string) string {
	trimmed := strings.ToLower(strings.TrimSpace(deploymentID))
	if trimmed == "" {
		return ""
	}
	alnum := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			alnum = append(alnum, r)
		}
	}
	value := string(alnum)
	if len(value) > 40 {
		value = value[:40]
	}
	if value == "" {
		return ""
	}
	return fmt.Sprintf("build-%s", value)
}

// EnvList flattens env into KEY=VALUE pairs sorted by key.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Labels returns the resource labels for req.
func Labels(req LaunchRequest) map[string]string {
	return map[string]string{
		DeploymentLabel:               req.DeploymentID,
		ProjectLabel:                  req.ProjectID,
		"app.kubernetes.io/name":      "snapdeploy-worker",
		"app.kubernetes.io/component": "build",
	}
}
