package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
)

type fakeAPI struct {
	createErr error
	createID  string
	startErr  error
	inspect   map[string]*types.ContainerState
	created   []*container.Config
	hostCfgs  []*container.HostConfig
	netCfgs   []*network.NetworkingConfig
	names     []string
	started   []string
	removed   []string
	pingVer   string
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created = append(f.created, config)
	f.hostCfgs = append(f.hostCfgs, hostConfig)
	f.netCfgs = append(f.netCfgs, networkingConfig)
	f.names = append(f.names, containerName)
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: f.createID}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.started = append(f.started, containerID)
	return f.startErr
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	state, ok := f.inspect[containerID]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{ID: containerID, State: state}}, nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	if _, ok := f.inspect[containerID]; !ok && containerID != f.createID {
		return errdefs.NotFound(errors.New("no such container"))
	}
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: f.pingVer}, nil
}

func (f *fakeAPI) Close() error { return nil }

func newTestLauncher(t *testing.T, api *fakeAPI, networkName string) *Launcher {
	t.Helper()
	l, err := newLauncher(api, "snapdeploy/build-worker:latest", networkName, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	return l
}

func TestLaunchCreatesAndStarts(t *testing.T) {
	api := &fakeAPI{createID: "c0ffee"}
	l := newTestLauncher(t, api, "snapdeploy")
	ref, err := l.Launch(context.Background(), worker.LaunchRequest{
		DeploymentID: "dep-1",
		ProjectID:    "proj-1",
		Env:          map[string]string{"DEPLOYMENT_ID": "dep-1", "A": "b"},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if ref != worker.Ref(worker.Name("dep-1")) || api.names[0] != string(ref) {
		t.Fatalf("expected deterministic ref, got %q (created %v)", ref, api.names)
	}
	cfg := api.created[0]
	if cfg.Image != "snapdeploy/build-worker:latest" {
		t.Fatalf("unexpected image %q", cfg.Image)
	}
	if len(cfg.Env) != 2 || cfg.Env[0] != "A=b" || cfg.Env[1] != "DEPLOYMENT_ID=dep-1" {
		t.Fatalf("unexpected env %v", cfg.Env)
	}
	if cfg.Labels[worker.DeploymentLabel] != "dep-1" || cfg.Labels[worker.ProjectLabel] != "proj-1" {
		t.Fatalf("unexpected labels %v", cfg.Labels)
	}
	if api.hostCfgs[0].NetworkMode != "snapdeploy" || api.netCfgs[0] == nil {
		t.Fatalf("expected network attachment")
	}
	if len(api.started) != 1 || api.started[0] != "c0ffee" {
		t.Fatalf("expected container start, got %v", api.started)
	}
}

func TestLaunchReusesExistingContainer(t *testing.T) {
	name := worker.Name("dep-1")
	api := &fakeAPI{
		createErr: errdefs.Conflict(errors.New("name already in use")),
		inspect:   map[string]*types.ContainerState{name: {Status: "running"}},
	}
	l := newTestLauncher(t, api, "")
	ref, err := l.Launch(context.Background(), worker.LaunchRequest{DeploymentID: "dep-1"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if string(ref) != name {
		t.Fatalf("expected existing ref %q, got %q", name, ref)
	}
	if len(api.started) != 0 {
		t.Fatalf("running container should not be restarted")
	}
	if api.netCfgs[0] != nil {
		t.Fatalf("expected no networking config without a network")
	}
}

func TestLaunchEmptyHandle(t *testing.T) {
	l := newTestLauncher(t, &fakeAPI{}, "")
	if _, err := l.Launch(context.Background(), worker.LaunchRequest{DeploymentID: "dep-1"}); !errors.Is(err, worker.ErrNoWorker) {
		t.Fatalf("expected ErrNoWorker, got %v", err)
	}
}

func TestLaunchStartFailureRemovesContainer(t *testing.T) {
	api := &fakeAPI{createID: "c0ffee", startErr: errors.New("image missing entrypoint")}
	l := newTestLauncher(t, api, "")
	if _, err := l.Launch(context.Background(), worker.LaunchRequest{DeploymentID: "dep-1"}); err == nil {
		t.Fatalf("expected start error")
	}
	if len(api.removed) != 1 || api.removed[0] != "c0ffee" {
		t.Fatalf("expected cleanup of unstarted container, got %v", api.removed)
	}
}

func TestDescribe(t *testing.T) {
	api := &fakeAPI{inspect: map[string]*types.ContainerState{
		"ok":      {Status: "exited", ExitCode: 0},
		"bad":     {Status: "exited", ExitCode: 2},
		"oom":     {Status: "exited", ExitCode: 137, OOMKilled: true},
		"running": {Status: "running"},
		"created": {Status: "created"},
	}}
	l := newTestLauncher(t, api, "")
	ctx := context.Background()
	cases := map[string]worker.State{
		"ok":      worker.StateSucceeded,
		"bad":     worker.StateFailed,
		"oom":     worker.StateFailed,
		"running": worker.StateRunning,
		"created": worker.StatePending,
	}
	for ref, want := range cases {
		st, err := l.Describe(ctx, worker.Ref(ref))
		if err != nil {
			t.Fatalf("describe %s: %v", ref, err)
		}
		if st.State != want {
			t.Fatalf("describe %s = %s, want %s", ref, st.State, want)
		}
	}
	st, _ := l.Describe(ctx, "bad")
	if st.ExitCode != 2 || st.Reason != "container exited with code 2" {
		t.Fatalf("unexpected failure detail %+v", st)
	}
	st, _ = l.Describe(ctx, "oom")
	if st.Reason != "container killed: out of memory" {
		t.Fatalf("unexpected oom reason %q", st.Reason)
	}
	if _, err := l.Describe(ctx, "missing"); !errors.Is(err, worker.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopIgnoresMissing(t *testing.T) {
	api := &fakeAPI{inspect: map[string]*types.ContainerState{"build-x": {Status: "running"}}}
	l := newTestLauncher(t, api, "")
	if err := l.Stop(context.Background(), "build-x"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := l.Stop(context.Background(), "build-gone"); err != nil {
		t.Fatalf("stop missing: %v", err)
	}
	if len(api.removed) != 1 {
		t.Fatalf("expected one removal, got %v", api.removed)
	}
}

func TestPing(t *testing.T) {
	l := newTestLauncher(t, &fakeAPI{pingVer: "1.47"}, "")
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	l = newTestLauncher(t, &fakeAPI{}, "")
	if err := l.Ping(context.Background()); err == nil {
		t.Fatalf("expected error for empty api version")
	}
}
