package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Pavan0228/SnapDeploy/pkg/metrics"
)

var (
	messagesTotal = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "Transport messages handled by outcome",
	}, []string{"outcome"}))

	transportErrors = metrics.Register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ingest",
		Name:      "transport_errors_total",
		Help:      "Fetch failures that restarted the consume loop",
	}))
)
