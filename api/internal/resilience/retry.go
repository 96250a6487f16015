package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry re-runs a call with exponential backoff: Base, 2*Base, 4*Base...
type Retry struct {
	Attempts uint64
	Base     time.Duration
	// Retryable reports whether a failed attempt may be repeated. Defaults to
	// everything except cancellation and breaker rejection.
	Retryable func(error) bool
}

// Do invokes fn up to Attempts times and returns the last error on exhaustion.
func (r Retry) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := r.Attempts
	if attempts == 0 {
		attempts = 3
	}
	base := r.Base
	if base <= 0 {
		base = time.Second
	}
	retryable := r.Retryable
	if retryable == nil {
		retryable = defaultRetryable
	}
	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrBreakerOpen)
}
