package postgres

import (
	"context"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
)

// InsertLogEvent appends a log line; a replayed event id is a no-op.
func (r *Repository) InsertLogEvent(ctx context.Context, event domain.LogEvent) error {
	const query = `INSERT INTO log_events (event_id, deployment_id, log, status, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, event.EventID, event.DeploymentID, event.Log, string(event.Status), event.Timestamp)
	return classify(err)
}

// ListLogEvents returns a deployment's history in non-decreasing timestamp order.
func (r *Repository) ListLogEvents(ctx context.Context, deploymentID string) ([]domain.LogEvent, error) {
	const query = `SELECT event_id, deployment_id, log, status, timestamp
		FROM log_events WHERE deployment_id = $1 ORDER BY timestamp ASC, seq ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	events := make([]domain.LogEvent, 0)
	for rows.Next() {
		var e domain.LogEvent
		var status string
		if err := rows.Scan(&e.EventID, &e.DeploymentID, &e.Log, &status, &e.Timestamp); err != nil {
			return nil, classify(err)
		}
		e.Status = domain.LogStatus(status)
		events = append(events, e)
	}
	return events, classify(rows.Err())
}
