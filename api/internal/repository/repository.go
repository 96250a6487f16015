package repository

import (
	"context"
	"time"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
)

// ProjectRepository reads project configuration owned by the project service.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectBySubdomain(ctx context.Context, subdomain string) (*domain.Project, error)
}

// DeploymentRepository stores deployment state.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	// TransitionDeployment applies the change only when the current status is a
	// predecessor of the target, returning ErrInvalidTransition otherwise.
	TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (*domain.Deployment, error)
	ListDeploymentsUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
}

// LogRepository is the append-only log store.
type LogRepository interface {
	// InsertLogEvent is idempotent on the event id.
	InsertLogEvent(ctx context.Context, event domain.LogEvent) error
	ListLogEvents(ctx context.Context, deploymentID string) ([]domain.LogEvent, error)
	Ping(ctx context.Context) error
}
