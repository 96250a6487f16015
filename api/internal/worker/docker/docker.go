// Package docker runs build workers as Docker containers.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
)

// containerAPI is the slice of the Docker SDK client used by Launcher.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Launcher starts one container per deployment.
type Launcher struct {
	api     containerAPI
	image   string
	network string
	logger  *slog.Logger
}

var _ worker.Launcher = (*Launcher)(nil)

// New creates a Docker-backed launcher using environment defaults, optionally
// pinned to host.
func New(host, image, networkName string, logger *slog.Logger) (*Launcher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newLauncher(inner, image, networkName, logger)
}

func newLauncher(api containerAPI, image, networkName string, logger *slog.Logger) (*Launcher, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("worker image cannot be empty")
	}
	return &Launcher{
		api:     api,
		image:   image,
		network: strings.TrimSpace(networkName),
		logger:  logger.With("component", "worker_docker"),
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (l *Launcher) Ping(ctx context.Context) error {
	ping, err := l.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Launch creates and starts the deployment's container. An existing container
// with the same name is reused.
func (l *Launcher) Launch(ctx context.Context, req worker.LaunchRequest) (worker.Ref, error) {
	name := worker.Name(req.DeploymentID)
	if name == "" {
		return "", fmt.Errorf("deployment id required")
	}

	config := &container.Config{
		Image:  l.image,
		Env:    worker.EnvList(req.Env),
		Labels: worker.Labels(req),
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	var netCfg *network.NetworkingConfig
	if l.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{l.network: {}},
		}
	}

	resp, err := l.api.ContainerCreate(ctx, config, hostCfg, netCfg, nil, name)
	switch {
	case err == nil:
	case errdefs.IsConflict(err):
		l.logger.Info("worker container already exists", "deployment_id", req.DeploymentID, "container", name)
		info, inspectErr := l.api.ContainerInspect(ctx, name)
		if inspectErr != nil {
			return "", fmt.Errorf("inspect existing container: %w", inspectErr)
		}
		if info.ContainerJSONBase != nil && info.State != nil && info.State.Status == "created" {
			if err := l.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("container start: %w", err)
			}
		}
		return worker.Ref(name), nil
	default:
		return "", fmt.Errorf("container create: %w", err)
	}
	if strings.TrimSpace(resp.ID) == "" {
		return "", worker.ErrNoWorker
	}

	if err := l.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := l.remove(context.WithoutCancel(ctx), resp.ID); rmErr != nil {
			l.logger.Warn("failed to remove unstarted container", "container", name, "error", rmErr)
		}
		return "", fmt.Errorf("container start: %w", err)
	}
	l.logger.Info("worker container started", "deployment_id", req.DeploymentID, "container", name, "container_id", resp.ID)
	return worker.Ref(name), nil
}

// Describe reports the container state.
func (l *Launcher) Describe(ctx context.Context, ref worker.Ref) (worker.Status, error) {
	if strings.TrimSpace(string(ref)) == "" {
		return worker.Status{}, fmt.Errorf("worker ref cannot be empty")
	}
	info, err := l.api.ContainerInspect(ctx, string(ref))
	if err != nil {
		if client.IsErrNotFound(err) {
			return worker.Status{}, fmt.Errorf("%w: %s", worker.ErrNotFound, ref)
		}
		return worker.Status{}, fmt.Errorf("container inspect: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return worker.Status{State: worker.StatePending}, nil
	}
	return statusOf(info.State), nil
}

// Stop force-removes the container. A missing container is not an error.
func (l *Launcher) Stop(ctx context.Context, ref worker.Ref) error {
	if strings.TrimSpace(string(ref)) == "" {
		return fmt.Errorf("worker ref cannot be empty")
	}
	return l.remove(ctx, string(ref))
}

// Close releases resources held by the Docker client.
func (l *Launcher) Close() error {
	return l.api.Close()
}

func (l *Launcher) remove(ctx context.Context, name string) error {
	if err := l.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func statusOf(state *types.ContainerState) worker.Status {
	switch state.Status {
	case "created":
		return worker.Status{State: worker.StatePending}
	case "running", "restarting", "paused":
		return worker.Status{State: worker.StateRunning}
	case "exited", "dead":
		st := worker.Status{State: worker.StateSucceeded, ExitCode: state.ExitCode}
		if state.ExitCode != 0 || state.Status == "dead" || state.OOMKilled {
			st.State = worker.StateFailed
			st.Reason = exitReason(state)
		}
		return st
	}
	return worker.Status{State: worker.StatePending, Reason: state.Status}
}

func exitReason(state *types.ContainerState) string {
	switch {
	case strings.TrimSpace(state.Error) != "":
		return strings.TrimSpace(state.Error)
	case state.OOMKilled:
		return "container killed: out of memory"
	case state.Status == "dead":
		return "container is dead"
	}
	return fmt.Sprintf("container exited with code %d", state.ExitCode)
}
