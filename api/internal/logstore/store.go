// Package logstore wraps the log repository with retry and a circuit breaker.
package logstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
	"github.com/Pavan0228/SnapDeploy/api/internal/resilience"
)

// Options tunes the resilience policies.
type Options struct {
	Attempts         uint64
	RetryBase        time.Duration
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
	CallTimeout      time.Duration
}

// Guarded is the log store as seen by the ingester and the streaming gateway.
// Every call is admitted by the breaker first; admitted calls are retried.
type Guarded struct {
	store   repository.LogRepository
	breaker *resilience.Breaker
	retry   resilience.Retry
	timeout time.Duration
	logger  *slog.Logger
}

var _ repository.LogRepository = (*Guarded)(nil)

// New wraps store.
func New(store repository.LogRepository, logger *slog.Logger, opts Options) *Guarded {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	logger = logger.With("component", "logstore")
	g := &Guarded{
		store:   store,
		timeout: opts.CallTimeout,
		logger:  logger,
		retry: resilience.Retry{
			Attempts:  opts.Attempts,
			Base:      opts.RetryBase,
			Retryable: retryable,
		},
	}
	g.breaker = resilience.NewBreaker(resilience.BreakerSettings{
		Name:      "logstore",
		Threshold: opts.BreakerThreshold,
		Timeout:   opts.BreakerTimeout,
		IsFailure: countsAgainstBreaker,
		OnStateChange: func(name string, from, to resilience.State) {
			breakerState.Set(stateValue(to))
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})
	breakerState.Set(stateValue(resilience.StateClosed))
	return g
}

// InsertLogEvent writes one event.
func (g *Guarded) InsertLogEvent(ctx context.Context, event domain.LogEvent) error {
	return g.call(ctx, "insert", func(ctx context.Context) error {
		return g.store.InsertLogEvent(ctx, event)
	})
}

// ListLogEvents reads a deployment's ordered history.
func (g *Guarded) ListLogEvents(ctx context.Context, deploymentID string) ([]domain.LogEvent, error) {
	var events []domain.LogEvent
	err := g.call(ctx, "list", func(ctx context.Context) error {
		var err error
		events, err = g.store.ListLogEvents(ctx, deploymentID)
		return err
	})
	return events, err
}

// Ping issues the store's trivial health query through the same guarded path.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.call(ctx, "ping", g.store.Ping)
}

// Breaker reports the breaker's current snapshot.
func (g *Guarded) Breaker() resilience.BreakerSnapshot {
	return g.breaker.Snapshot()
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := g.breaker.Do(func() error {
		return g.retry.Do(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			err := fn(attemptCtx)
			if err != nil && retryable(err) {
				g.logger.Debug("log store attempt failed", "op", op, "error", err)
			}
			return err
		})
	})
	observe(op, err, time.Since(start))
	return err
}

// IsUnavailable reports whether err means the store is temporarily out of
// reach, so a caller may keep trying later.
func IsUnavailable(err error) bool {
	return errors.Is(err, resilience.ErrBreakerOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, repository.ErrUnavailable)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, resilience.ErrBreakerOpen),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrInvalidArgument):
		return false
	}
	return true
}

func countsAgainstBreaker(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, repository.ErrNotFound) &&
		!errors.Is(err, repository.ErrInvalidArgument)
}
