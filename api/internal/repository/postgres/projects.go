package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
)

const projectColumns = `id, owner_id, name, repo_url, branch, source_path, subdomain, COALESCE(custom_domain, ''), env_vars, repo_access_token, created_at`

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectBySubdomain fetches a project by its case-insensitive routing key.
func (r *Repository) GetProjectBySubdomain(ctx context.Context, subdomain string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE subdomain = $1`
	return scanProject(r.pool.QueryRow(ctx, query, domain.NormalizeSubdomain(subdomain)))
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	var envRaw []byte
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.RepoURL, &p.Branch, &p.SourcePath, &p.Subdomain, &p.CustomDomain, &envRaw, &p.RepoAccessToken, &p.CreatedAt); err != nil {
		return nil, classify(err)
	}
	if len(envRaw) > 0 {
		if err := json.Unmarshal(envRaw, &p.EnvVars); err != nil {
			return nil, fmt.Errorf("decode env vars for project %s: %w", p.ID, err)
		}
	}
	return &p, nil
}
