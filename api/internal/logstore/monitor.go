package logstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Pavan0228/SnapDeploy/api/internal/resilience"
)

// Health is the latest result of the periodic store check.
type Health struct {
	Healthy   bool                       `json:"healthy"`
	Breaker   resilience.BreakerSnapshot `json:"breaker"`
	CheckedAt time.Time                  `json:"checkedAt"`
	Error     string                     `json:"error,omitempty"`
}

// Monitor polls the guarded store on a fixed interval. Its probes share the
// breaker with every other caller.
type Monitor struct {
	store    *Guarded
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last Health
}

// NewMonitor constructs a Monitor.
func NewMonitor(store *Guarded, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{store: store, interval: interval, logger: logger.With("component", "logstore_health"), now: time.Now}
}

// Run checks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and records it.
func (m *Monitor) Check(ctx context.Context) Health {
	err := m.store.Ping(ctx)
	h := Health{Healthy: err == nil, Breaker: m.store.Breaker(), CheckedAt: m.now().UTC()}
	if err != nil {
		h.Error = err.Error()
	}

	m.mu.Lock()
	prev := m.last
	m.last = h
	m.mu.Unlock()

	if prev.CheckedAt.IsZero() || prev.Healthy != h.Healthy {
		if h.Healthy {
			m.logger.Info("log store healthy", "breaker", h.Breaker.State)
		} else {
			m.logger.Error("log store unhealthy", "breaker", h.Breaker.State, "error", err)
		}
	}
	return h
}

// Latest returns the most recent result. Before the first check it reports
// unhealthy with the live breaker state.
func (m *Monitor) Latest() Health {
	m.mu.RLock()
	h := m.last
	m.mu.RUnlock()
	if h.CheckedAt.IsZero() {
		h.Breaker = m.store.Breaker()
	}
	return h
}
