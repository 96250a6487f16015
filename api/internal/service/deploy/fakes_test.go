package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
	"github.com/Pavan0228/SnapDeploy/pkg/logstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type projectRepo struct {
	projects map[string]domain.Project
}

func (r projectRepo) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	p, ok := r.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r projectRepo) GetProjectBySubdomain(ctx context.Context, subdomain string) (*domain.Project, error) {
	for _, p := range r.projects {
		if p.Subdomain == subdomain {
			p := p
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

// deploymentRepo enforces the state machine like the Postgres conditional update.
type deploymentRepo struct {
	mu          sync.Mutex
	deployments map[string]domain.Deployment
	history     map[string][]domain.DeploymentStatus
}

func newDeploymentRepo(deps ...domain.Deployment) *deploymentRepo {
	r := &deploymentRepo{deployments: map[string]domain.Deployment{}, history: map[string][]domain.DeploymentStatus{}}
	for _, d := range deps {
		r.deployments[d.ID] = d
		r.history[d.ID] = []domain.DeploymentStatus{d.Status}
	}
	return r
}

func (r *deploymentRepo) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[d.ID] = *d
	r.history[d.ID] = []domain.DeploymentStatus{d.Status}
	return nil
}

func (r *deploymentRepo) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (r *deploymentRepo) TransitionDeployment(ctx context.Context, t domain.DeploymentTransition) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[t.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !domain.CanTransition(d.Status, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, d.Status, t.To)
	}
	d.Status = t.To
	if t.WorkerRef != "" {
		d.WorkerRef = t.WorkerRef
	}
	if t.Error != "" {
		d.Error = t.Error
	}
	at := t.At
	d.UpdatedAt = at
	if t.To == domain.StatusInProgress {
		d.StartedAt = &at
	}
	if t.To.Terminal() {
		d.CompletedAt = &at
	}
	r.deployments[d.ID] = d
	r.history[d.ID] = append(r.history[d.ID], t.To)
	return &d, nil
}

func (r *deploymentRepo) ListDeploymentsUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, before time.Time) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		for _, s := range statuses {
			if d.Status == s && d.UpdatedAt.Before(before) {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (r *deploymentRepo) status(id string) domain.DeploymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployments[id].Status
}

func (r *deploymentRepo) statusHistory(id string) []domain.DeploymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeploymentStatus(nil), r.history[id]...)
}

type fakeLauncher struct {
	mu        sync.Mutex
	launchErr error
	emptyRef  bool
	launched  []worker.LaunchRequest
	statuses  map[worker.Ref]worker.Status
	describes int
	stopped   []worker.Ref
}

func (l *fakeLauncher) Launch(ctx context.Context, req worker.LaunchRequest) (worker.Ref, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, req)
	if l.launchErr != nil {
		return "", l.launchErr
	}
	if l.emptyRef {
		return "", nil
	}
	ref := worker.Ref(worker.Name(req.DeploymentID))
	if l.statuses == nil {
		l.statuses = map[worker.Ref]worker.Status{}
	}
	if _, ok := l.statuses[ref]; !ok {
		l.statuses[ref] = worker.Status{State: worker.StatePending}
	}
	return ref, nil
}

func (l *fakeLauncher) Describe(ctx context.Context, ref worker.Ref) (worker.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.describes++
	st, ok := l.statuses[ref]
	if !ok {
		return worker.Status{}, worker.ErrNotFound
	}
	return st, nil
}

func (l *fakeLauncher) Stop(ctx context.Context, ref worker.Ref) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, ref)
	return nil
}

func (l *fakeLauncher) stoppedRefs() []worker.Ref {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]worker.Ref(nil), l.stopped...)
}

func (l *fakeLauncher) setStatus(ref worker.Ref, st worker.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statuses == nil {
		l.statuses = map[worker.Ref]worker.Status{}
	}
	l.statuses[ref] = st
}

func (l *fakeLauncher) launches() []worker.LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]worker.LaunchRequest(nil), l.launched...)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []logstream.Message
}

func (p *fakePublisher) Publish(ctx context.Context, msg logstream.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return fmt.Sprintf("%d-0", len(p.msgs)), nil
}

func (p *fakePublisher) published() []logstream.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]logstream.Message(nil), p.msgs...)
}
