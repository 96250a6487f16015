package logs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Pavan0228/SnapDeploy/pkg/metrics"
)

var (
	streamsActive = metrics.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "log_stream",
		Name:      "connections",
		Help:      "Open log stream connections.",
	}))
	framesTotal = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "log_stream",
		Name:      "frames_total",
		Help:      "Frames pushed to log stream clients by kind.",
	}, []string{"kind"}))
)
