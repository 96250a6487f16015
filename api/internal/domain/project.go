package domain

import (
	"strings"
	"time"
)

// DefaultBranch is used when a project does not name one.
const DefaultBranch = "main"

// DefaultSourcePath is the repository root.
const DefaultSourcePath = "./"

// Project describes a deployable unit. It is owned by the project service; the
// core only reads it.
type Project struct {
	ID              string
	OwnerID         string
	Name            string
	RepoURL         string
	Branch          string
	SourcePath      string
	Subdomain       string
	CustomDomain    string
	EnvVars         map[string]string
	RepoAccessToken []byte
	CreatedAt       time.Time
}

// Private reports whether cloning the repository needs the stored credential.
func (p Project) Private() bool {
	return len(p.RepoAccessToken) > 0
}

// BranchOrDefault returns the configured branch or DefaultBranch.
func (p Project) BranchOrDefault() string {
	if b := strings.TrimSpace(p.Branch); b != "" {
		return b
	}
	return DefaultBranch
}

// SourcePathOrDefault returns the configured sub-path or DefaultSourcePath.
func (p Project) SourcePathOrDefault() string {
	if s := strings.TrimSpace(p.SourcePath); s != "" {
		return s
	}
	return DefaultSourcePath
}

// NormalizeSubdomain lower-cases and trims a routing key.
func NormalizeSubdomain(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
