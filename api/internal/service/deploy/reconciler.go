package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
)

const (
	defaultReconcileInterval = 30 * time.Second
	reconcileTimeout         = 15 * time.Second
)

// Reconciler periodically repairs deployments whose stored status lags the
// worker, and fails deployments that outlive the deployment TTL.
type Reconciler struct {
	service     *Service
	deployments repository.DeploymentRepository
	logger      *slog.Logger
	interval    time.Duration
	ttl         time.Duration
	now         func() time.Time
}

// NewReconciler constructs a reconciler. A zero ttl disables the timeout policy.
func NewReconciler(service *Service, deployments repository.DeploymentRepository, interval, ttl time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Reconciler{
		service:     service,
		deployments: deployments,
		logger:      logger.With("component", "reconciler"),
		interval:    interval,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("deployment reconciler started", "interval", r.interval, "ttl", formatDuration(r.ttl))
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("deployment reconciler stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reconciler) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	now := r.now()
	stale, err := r.deployments.ListDeploymentsUpdatedBefore(ctx,
		[]domain.DeploymentStatus{domain.StatusQueued, domain.StatusInProgress}, now.Add(-r.interval))
	if err != nil {
		r.logger.Warn("failed to list active deployments", "error", err)
		return
	}
	for _, dep := range stale {
		current, err := r.service.Reconcile(ctx, dep.ID)
		if err != nil {
			r.logger.Warn("failed to reconcile deployment", "deployment_id", dep.ID, "error", err)
			current = &dep
		}
		if r.expired(now, current) {
			r.timeout(ctx, now, current)
		}
	}
}

func (r *Reconciler) expired(now time.Time, dep *domain.Deployment) bool {
	if r.ttl <= 0 || dep.Status.Terminal() {
		return false
	}
	since := dep.CreatedAt
	if dep.StartedAt != nil {
		since = *dep.StartedAt
	}
	return now.Sub(since) > r.ttl
}

func (r *Reconciler) timeout(ctx context.Context, now time.Time, dep *domain.Deployment) {
	msg := fmt.Sprintf("deployment timed out after %s", formatDuration(r.ttl))
	_, err := r.deployments.TransitionDeployment(ctx, domain.DeploymentTransition{
		DeploymentID: dep.ID,
		To:           domain.StatusFailed,
		Error:        msg,
		At:           now.UTC(),
	})
	if errors.Is(err, repository.ErrInvalidTransition) {
		return
	}
	if err != nil {
		r.logger.Warn("failed to time out deployment", "deployment_id", dep.ID, "error", err)
		return
	}
	r.service.stopWatch(dep.ID)
	if dep.WorkerRef != "" {
		if err := r.service.launcher.Stop(ctx, worker.Ref(dep.WorkerRef)); err != nil {
			r.logger.Warn("failed to stop timed out worker", "deployment_id", dep.ID, "worker", dep.WorkerRef, "error", err)
		}
	}
	r.service.publishFailure(ctx, dep.ID, dep.ProjectID, msg)
	r.logger.Info("deployment marked failed after timeout", "deployment_id", dep.ID, "project_id", dep.ProjectID)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	if d%time.Millisecond == 0 {
		return fmt.Sprintf("%dms", int(d/time.Millisecond))
	}
	return d.String()
}
