package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
	"github.com/Pavan0228/SnapDeploy/pkg/logstream"
)

var (
	// ErrNotQueued indicates a start was requested for a deployment outside QUEUED.
	ErrNotQueued = errors.New("deploy: deployment is not queued")
	// ErrInvalidSource indicates the project has no usable repository reference.
	ErrInvalidSource = errors.New("deploy: project has no repository url")
)

// Worker environment keys set by the orchestrator. They override user variables.
const (
	EnvDeploymentID  = "DEPLOYMENT_ID"
	EnvProjectID     = "PROJECT_ID"
	EnvRepositoryURL = "GIT_REPOSITORY__URL"
	EnvBranch        = "GIT_BRANCH"
	EnvSourcePath    = "SOURCE_PATH"
	EnvAccessToken   = "GIT_ACCESS_TOKEN"
	EnvLogRedisAddr  = "LOG_REDIS_ADDR"
	EnvLogStream     = "LOG_STREAM"
	EnvLogPartitions = "LOG_STREAM_PARTITIONS"
)

const statusUpdateGrace = 5 * time.Second

// SecretOpener decrypts stored repository credentials.
type SecretOpener interface {
	Open(payload []byte) (string, error)
}

// Publisher appends log events to the transport.
type Publisher interface {
	Publish(ctx context.Context, msg logstream.Message) (string, error)
}

// TransportEnv tells workers where to emit their log events.
type TransportEnv struct {
	Addr       string
	Stream     string
	Partitions int
}

// Options tunes the orchestrator.
type Options struct {
	LaunchTimeout time.Duration
	WatchEnabled  bool
	WatchInterval time.Duration
	Transport     TransportEnv
}

// Service orchestrates deployments on a worker runtime.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	launcher    worker.Launcher
	secrets     SecretOpener
	publisher   Publisher
	logger      *slog.Logger
	opts        Options
	now         func() time.Time

	mu      sync.Mutex
	closed  bool
	watches map[string]context.CancelFunc
	wg      sync.WaitGroup
	base    context.Context
	stop    context.CancelFunc
}

// New returns a deployment service. secrets and publisher may be nil.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, launcher worker.Launcher, secrets SecretOpener, publisher Publisher, logger *slog.Logger, opts Options) *Service {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 5 * time.Second
	}
	base, stop := context.WithCancel(context.Background())
	return &Service{
		projects:    projects,
		deployments: deployments,
		launcher:    launcher,
		secrets:     secrets,
		publisher:   publisher,
		logger:      logger.With("component", "deploy"),
		opts:        opts,
		now:         time.Now,
		watches:     make(map[string]context.CancelFunc),
		base:        base,
		stop:        stop,
	}
}

// Trigger records an accepted deploy request as a QUEUED deployment and starts it.
// The deployment is returned even when the launch fails so callers can report its id.
func (s *Service) Trigger(ctx context.Context, projectID string) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	dep := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.logger.Info("deployment queued", "deployment_id", dep.ID, "project_id", project.ID)

	if _, err := s.StartDeployment(ctx, project, dep); err != nil {
		return dep, err
	}
	return dep, nil
}

// Get returns the stored deployment.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// StartDeployment launches the worker for a QUEUED deployment and moves it to
// IN_PROGRESS. Any launch failure moves it to FAILED and is returned. dep is
// updated in place with the stored result.
func (s *Service) StartDeployment(ctx context.Context, project *domain.Project, dep *domain.Deployment) (worker.Ref, error) {
	if dep.Status != domain.StatusQueued {
		return "", fmt.Errorf("%w: %s is %s", ErrNotQueued, dep.ID, dep.Status)
	}
	logger := s.logger.With("deployment_id", dep.ID, "project_id", project.ID)

	env, err := s.workerEnv(project, dep)
	if err != nil {
		s.fail(ctx, dep, err)
		return "", err
	}

	launchCtx, cancel := context.WithTimeout(ctx, s.opts.LaunchTimeout)
	ref, err := s.launcher.Launch(launchCtx, worker.LaunchRequest{
		DeploymentID: dep.ID,
		ProjectID:    project.ID,
		Env:          env,
	})
	cancel()
	if err == nil && strings.TrimSpace(string(ref)) == "" {
		err = worker.ErrNoWorker
	}
	if err != nil {
		err = fmt.Errorf("launch worker: %w", err)
		logger.Error("worker launch failed", "error", err)
		s.fail(ctx, dep, err)
		return "", err
	}

	// The launch already happened; the status update must not be lost to a
	// caller that went away.
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateGrace)
	defer cancel()
	updated, err := s.deployments.TransitionDeployment(updateCtx, domain.DeploymentTransition{
		DeploymentID: dep.ID,
		To:           domain.StatusInProgress,
		WorkerRef:    string(ref),
		At:           s.now().UTC(),
	})
	if err != nil {
		logger.Error("failed to record worker start", "worker_ref", ref, "error", err)
		return ref, fmt.Errorf("record worker start: %w", err)
	}
	*dep = *updated
	logger.Info("worker launched", "worker_ref", ref)

	if s.opts.WatchEnabled {
		s.startWatch(dep.ID, project.ID, ref)
	}
	return ref, nil
}

// CompleteFromLog applies the deployment state implied by a terminal log line.
// Deployments that already reached a terminal state are left alone.
func (s *Service) CompleteFromLog(ctx context.Context, deploymentID string, status domain.LogStatus) error {
	to, ok := status.DeploymentStatus()
	if !ok {
		return nil
	}
	t := domain.DeploymentTransition{DeploymentID: deploymentID, To: to, At: s.now().UTC()}
	if to == domain.StatusFailed {
		t.Error = "worker reported failure"
	}
	dep, err := s.transition(ctx, t)
	if errors.Is(err, repository.ErrInvalidTransition) {
		s.logger.Debug("ignoring terminal log for settled deployment", "deployment_id", deploymentID, "status", status)
		return nil
	}
	if err != nil {
		return err
	}
	s.stopWatch(deploymentID)
	s.logger.Info("deployment completed from log", "deployment_id", deploymentID, "status", dep.Status)
	return nil
}

// Reconcile reads the worker state and repairs the stored status without
// relaunching. A deployment whose worker is unknown is left untouched.
func (s *Service) Reconcile(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status.Terminal() || dep.Status == domain.StatusNotStarted {
		return dep, nil
	}
	ref := worker.Ref(dep.WorkerRef)
	if ref == "" {
		// A crash between launch and status update leaves the worker under its
		// deterministic name.
		ref = worker.Ref(worker.Name(dep.ID))
	}

	describeCtx, cancel := context.WithTimeout(ctx, s.opts.LaunchTimeout)
	st, err := s.launcher.Describe(describeCtx, ref)
	cancel()
	if errors.Is(err, worker.ErrNotFound) {
		s.logger.Debug("no worker found during reconcile", "deployment_id", dep.ID, "worker_ref", ref)
		return dep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("describe worker: %w", err)
	}

	if dep.Status == domain.StatusQueued {
		updated, err := s.deployments.TransitionDeployment(ctx, domain.DeploymentTransition{
			DeploymentID: dep.ID,
			To:           domain.StatusInProgress,
			WorkerRef:    string(ref),
			At:           s.now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		dep = updated
		s.logger.Info("reconciled launched deployment", "deployment_id", dep.ID, "worker_ref", ref)
	}
	if !st.State.Finished() {
		return dep, nil
	}
	updated, err := s.settle(ctx, dep.ID, dep.ProjectID, ref, st)
	if errors.Is(err, repository.ErrInvalidTransition) {
		return s.deployments.GetDeploymentByID(ctx, dep.ID)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Close stops every watch and waits for them to exit.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.stop()
	s.mu.Unlock()
	s.wg.Wait()
}

// settle records the terminal state of a finished worker. Abnormal exits also
// publish a failed log line so streaming clients terminate.
func (s *Service) settle(ctx context.Context, deploymentID, projectID string, ref worker.Ref, st worker.Status) (*domain.Deployment, error) {
	t := domain.DeploymentTransition{DeploymentID: deploymentID, WorkerRef: string(ref), At: s.now().UTC()}
	if st.State == worker.StateSucceeded {
		t.To = domain.StatusReady
	} else {
		t.To = domain.StatusFailed
		t.Error = failureText(st)
	}
	dep, err := s.transition(ctx, t)
	if err != nil {
		return nil, err
	}
	s.logger.Info("deployment settled from worker state", "deployment_id", deploymentID, "status", dep.Status, "worker_ref", ref)
	if t.To == domain.StatusFailed {
		s.publishFailure(ctx, deploymentID, projectID, t.Error)
	}
	return dep, nil
}

// transition applies t, stepping through IN_PROGRESS when a worker finished
// before its start was recorded.
func (s *Service) transition(ctx context.Context, t domain.DeploymentTransition) (*domain.Deployment, error) {
	dep, err := s.deployments.TransitionDeployment(ctx, t)
	if !errors.Is(err, repository.ErrInvalidTransition) || t.To != domain.StatusReady {
		return dep, err
	}
	step := domain.DeploymentTransition{DeploymentID: t.DeploymentID, To: domain.StatusInProgress, WorkerRef: t.WorkerRef, At: t.At}
	if _, stepErr := s.deployments.TransitionDeployment(ctx, step); stepErr != nil {
		return nil, err
	}
	return s.deployments.TransitionDeployment(ctx, t)
}

func (s *Service) fail(ctx context.Context, dep *domain.Deployment, cause error) {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateGrace)
	defer cancel()
	updated, err := s.deployments.TransitionDeployment(updateCtx, domain.DeploymentTransition{
		DeploymentID: dep.ID,
		To:           domain.StatusFailed,
		Error:        cause.Error(),
		At:           s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to record launch failure", "deployment_id", dep.ID, "error", err)
		return
	}
	*dep = *updated
}

func (s *Service) publishFailure(ctx context.Context, deploymentID, projectID, reason string) {
	if s.publisher == nil {
		return
	}
	msg := logstream.Message{
		DeploymentID: deploymentID,
		ProjectID:    projectID,
		Log:          "deployment failed: " + reason,
		Status:       logstream.StatusFailed,
		EventID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("snapdeploy:worker-exit:"+deploymentID)).String(),
		Timestamp:    s.now().UTC(),
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateGrace)
	defer cancel()
	if _, err := s.publisher.Publish(pubCtx, msg); err != nil {
		s.logger.Warn("failed to publish terminal log", "deployment_id", deploymentID, "error", err)
	}
}

func (s *Service) workerEnv(project *domain.Project, dep *domain.Deployment) (map[string]string, error) {
	if strings.TrimSpace(project.RepoURL) == "" {
		return nil, fmt.Errorf("%w: project %s", ErrInvalidSource, project.ID)
	}
	env := make(map[string]string, len(project.EnvVars)+9)
	for k, v := range project.EnvVars {
		env[k] = v
	}
	env[EnvDeploymentID] = dep.ID
	env[EnvProjectID] = project.ID
	env[EnvRepositoryURL] = project.RepoURL
	env[EnvBranch] = project.BranchOrDefault()
	env[EnvSourcePath] = project.SourcePathOrDefault()
	if project.Private() {
		if s.secrets == nil {
			return nil, fmt.Errorf("decrypt repository credential: no secret key configured")
		}
		token, err := s.secrets.Open(project.RepoAccessToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt repository credential: %w", err)
		}
		env[EnvAccessToken] = token
	} else {
		delete(env, EnvAccessToken)
	}
	if t := s.opts.Transport; t.Addr != "" {
		env[EnvLogRedisAddr] = t.Addr
		env[EnvLogStream] = t.Stream
		env[EnvLogPartitions] = strconv.Itoa(t.Partitions)
	}
	return env, nil
}

func failureText(st worker.Status) string {
	if r := strings.TrimSpace(st.Reason); r != "" {
		return r
	}
	return fmt.Sprintf("worker exited with code %d", st.ExitCode)
}
