// Package logs serves a deployment's stored log history and tails it to
// connected clients by polling the log store.
package logs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/logstore"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
	"github.com/Pavan0228/SnapDeploy/api/internal/ws"
)

// Error frame types.
const (
	ErrorTypeUnavailable = "store_unavailable"
	ErrorTypeStore       = "store_error"
)

// Store is the read side of the log store.
type Store interface {
	ListLogEvents(ctx context.Context, deploymentID string) ([]domain.LogEvent, error)
}

// Options tunes the stream cadence.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Gateway pushes log updates to one subscriber per Stream call.
type Gateway struct {
	store     Store
	logger    *slog.Logger
	poll      time.Duration
	heartbeat time.Duration
	now       func() time.Time
}

// New constructs a Gateway.
func New(store Store, logger *slog.Logger, opts Options) *Gateway {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Gateway{
		store:     store,
		logger:    logger.With("component", "log_gateway"),
		poll:      opts.PollInterval,
		heartbeat: opts.HeartbeatInterval,
		now:       time.Now,
	}
}

type dataFrame struct {
	Logs         []domain.LogEvent `json:"logs"`
	Timestamp    string            `json:"timestamp"`
	DeploymentID string            `json:"deploymentId"`
	LatestStatus *domain.LogStatus `json:"latestStatus"`
}

type terminalFrame struct {
	Status       string           `json:"status"`
	FinalStatus  domain.LogStatus `json:"finalStatus"`
	DeploymentID string           `json:"deploymentId"`
}

type errorFrame struct {
	Error        string `json:"error"`
	Type         string `json:"type"`
	DeploymentID string `json:"deploymentId"`
	Retryable    bool   `json:"retryable"`
}

// History returns the full ordered log history of a deployment.
func (g *Gateway) History(ctx context.Context, deploymentID string) ([]domain.LogEvent, error) {
	events, err := g.list(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.LogEvent{}
	}
	return events, nil
}

// list reads the history. An id the store cannot represent has no events.
func (g *Gateway) list(ctx context.Context, deploymentID string) ([]domain.LogEvent, error) {
	events, err := g.store.ListLogEvents(ctx, deploymentID)
	if errors.Is(err, repository.ErrInvalidArgument) {
		return nil, nil
	}
	return events, err
}

// Stream pushes the deployment's log history to sub until the stream reaches a
// terminal event, ctx ends, a write fails, or the store fails unrecoverably.
// It returns nil on terminal detection and client disconnect. sub is closed and
// both timers are stopped on every return path.
func (g *Gateway) Stream(ctx context.Context, deploymentID string, sub ws.Subscriber) error {
	defer sub.Close()
	streamsActive.Inc()
	defer streamsActive.Dec()

	t := tail{gateway: g, deploymentID: deploymentID, sub: sub, lastCount: -1}
	if done, err := t.push(ctx); done {
		return err
	}

	poll := time.NewTicker(g.poll)
	defer poll.Stop()
	heartbeat := time.NewTicker(g.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if done, err := t.push(ctx); done {
				return err
			}
		case <-heartbeat.C:
			if err := sub.Heartbeat(g.now()); err != nil {
				return fmt.Errorf("push heartbeat: %w", err)
			}
			framesTotal.WithLabelValues("heartbeat").Inc()
		}
	}
}

// tail is the per-connection state of one Stream call.
type tail struct {
	gateway      *Gateway
	deploymentID string
	sub          ws.Subscriber
	lastCount    int
}

// push fetches the history once and reports whether the stream is finished.
func (t *tail) push(ctx context.Context) (bool, error) {
	g := t.gateway
	events, err := g.list(ctx, t.deploymentID)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return t.fetchFailed(err)
	}
	if events == nil {
		events = []domain.LogEvent{}
	}

	if len(events) != t.lastCount {
		frame := dataFrame{
			Logs:         events,
			Timestamp:    g.now().UTC().Format(time.RFC3339),
			DeploymentID: t.deploymentID,
		}
		if len(events) > 0 {
			latest := events[len(events)-1].Status
			frame.LatestStatus = &latest
		}
		if err := t.send(frame, "data"); err != nil {
			return true, err
		}
		t.lastCount = len(events)
	}

	final, terminal := domain.TerminalStatus(events)
	if !terminal {
		return false, nil
	}
	if err := t.send(terminalFrame{Status: "terminal", FinalStatus: final, DeploymentID: t.deploymentID}, "terminal"); err != nil {
		return true, err
	}
	g.logger.Debug("log stream reached terminal state", "deployment_id", t.deploymentID, "status", final)
	return true, nil
}

func (t *tail) fetchFailed(err error) (bool, error) {
	frame := errorFrame{Error: err.Error(), DeploymentID: t.deploymentID}
	if logstore.IsUnavailable(err) {
		frame.Type = ErrorTypeUnavailable
		frame.Retryable = true
		t.gateway.logger.Warn("log store unavailable during stream", "deployment_id", t.deploymentID, "error", err)
		if sendErr := t.send(frame, "error"); sendErr != nil {
			return true, sendErr
		}
		return false, nil
	}
	frame.Type = ErrorTypeStore
	t.gateway.logger.Error("log stream fetch failed", "deployment_id", t.deploymentID, "error", err)
	if sendErr := t.send(frame, "error"); sendErr != nil {
		return true, errors.Join(err, sendErr)
	}
	return true, err
}

func (t *tail) send(frame any, kind string) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", kind, err)
	}
	if err := t.sub.Send(payload); err != nil {
		return fmt.Errorf("push %s frame: %w", kind, err)
	}
	framesTotal.WithLabelValues(kind).Inc()
	return nil
}
