package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned without invoking the protected call while the
// breaker is open, or while a half-open probe is already in flight.
var ErrBreakerOpen = errors.New("resilience: circuit breaker open")

// State is the breaker's position.
type State string

// Breaker states.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	Name string
	// Threshold is the number of consecutive failures that trips the breaker.
	Threshold uint32
	// Timeout is how long the breaker stays open after the tripping failure.
	Timeout time.Duration
	// IsFailure decides whether an error counts against the breaker. Nil
	// errors never count. Defaults to everything except context.Canceled.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
}

// BreakerSnapshot is a point-in-time view of the breaker.
type BreakerSnapshot struct {
	State        State     `json:"state"`
	FailureCount uint32    `json:"failureCount"`
	LastFailure  time.Time `json:"lastFailureTimestamp,omitempty"`
}

// Breaker is a three-state circuit breaker shared by all callers of one dependency.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker
	isFailure func(error) bool
	now       func() time.Time

	// failures mirrors the consecutive failure count; gobreaker clears its
	// own counts on every state change.
	mu          sync.Mutex
	failures    uint32
	lastFailure time.Time
}

// NewBreaker constructs a Breaker that admits exactly one probe when half-open.
func NewBreaker(s BreakerSettings) *Breaker {
	if s.Threshold == 0 {
		s.Threshold = 3
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	isFailure := s.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	b := &Breaker{isFailure: isFailure, now: time.Now}
	threshold := s.Threshold
	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isFailure(err)
		},
	}
	if s.OnStateChange != nil {
		notify := s.OnStateChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			notify(name, mapState(from), mapState(to))
		}
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Do runs fn if the breaker admits it and records the outcome once.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		err := fn()
		b.mu.Lock()
		if err != nil && b.isFailure(err) {
			b.failures++
			b.lastFailure = b.now()
		} else {
			b.failures = 0
		}
		b.mu.Unlock()
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

// State reports the current state. An open breaker whose timeout elapsed reports HALF_OPEN.
func (b *Breaker) State() State {
	return mapState(b.cb.State())
}

// Snapshot returns state, consecutive failure count and last failure time.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	failures, last := b.failures, b.lastFailure
	b.mu.Unlock()
	return BreakerSnapshot{
		State:        b.State(),
		FailureCount: failures,
		LastFailure:  last,
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
