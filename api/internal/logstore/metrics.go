package logstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Pavan0228/SnapDeploy/api/internal/resilience"
	"github.com/Pavan0228/SnapDeploy/pkg/metrics"
)

var (
	callsTotal = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "logstore",
		Name:      "calls_total",
		Help:      "Guarded log store calls by operation and outcome",
	}, []string{"op", "outcome"}))

	callLatency = metrics.Register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "logstore",
		Name:      "call_duration_seconds",
		Help:      "Latency of guarded log store calls including retries",
		Buckets:   metrics.DefaultBuckets,
	}, []string{"op"}))

	breakerState = metrics.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "logstore",
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
	}))
)

func observe(op string, err error, d time.Duration) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrBreakerOpen):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	callsTotal.WithLabelValues(op, outcome).Inc()
	callLatency.WithLabelValues(op).Observe(d.Seconds())
}

func stateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	}
	return 0
}
