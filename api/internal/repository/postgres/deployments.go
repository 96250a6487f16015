package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
)

const deploymentColumns = `id, project_id, status, worker_ref, error, created_at, updated_at, started_at, completed_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, worker_ref, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		string(deployment.Status),
		deployment.WorkerRef,
		deployment.Error,
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	return classify(err)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// TransitionDeployment moves a deployment to a new status in one conditional UPDATE.
func (r *Repository) TransitionDeployment(ctx context.Context, t domain.DeploymentTransition) (*domain.Deployment, error) {
	from := domain.Predecessors(t.To)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: nothing may enter %s", repository.ErrInvalidTransition, t.To)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `UPDATE deployments
		SET status = $2::text,
			worker_ref = COALESCE($3, worker_ref),
			error = COALESCE($4, error),
			started_at = CASE WHEN $2::text = 'IN_PROGRESS' THEN $5 ELSE started_at END,
			completed_at = CASE WHEN $2::text IN ('READY', 'FAILED') THEN $5 ELSE completed_at END,
			updated_at = $5
		WHERE id = $1 AND status = ANY($6)
		RETURNING ` + deploymentColumns
	row := r.pool.QueryRow(ctx, query, t.DeploymentID, string(t.To), emptyToNil(t.WorkerRef), emptyToNil(t.Error), at, allowed)
	dep, err := scanDeployment(row)
	if err == nil {
		return dep, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	current, getErr := r.GetDeploymentByID(ctx, t.DeploymentID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, current.Status, t.To)
}

// ListDeploymentsUpdatedBefore finds deployments in any of the statuses last updated before the cutoff.
func (r *Repository) ListDeploymentsUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query, values, updatedBefore)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, classify(rows.Err())
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var status string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.ProjectID, &status, &d.WorkerRef, &d.Error, &d.CreatedAt, &d.UpdatedAt, &startedAt, &completedAt); err != nil {
		return nil, classify(err)
	}
	d.Status = domain.DeploymentStatus(status)
	d.StartedAt = nullTimePtr(startedAt)
	d.CompletedAt = nullTimePtr(completedAt)
	return &d, nil
}
