package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Pavan0228/SnapDeploy/pkg/metrics"
)

var (
	requestTotal = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))

	requestLatency = metrics.Register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   metrics.DefaultBuckets,
	}, []string{"method", "route", "status"}))

	rateLimitHits = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "api",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route", "limit"}))

	streamsOpen = metrics.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "api",
		Name:      "log_streams_open",
		Help:      "Log streams currently holding a per-user slot",
	}))
)

func recordRequestMetrics(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	requestTotal.With(labels).Inc()
	requestLatency.With(labels).Observe(duration.Seconds())
}

func recordRateLimitHit(route, limit string) {
	rateLimitHits.With(prometheus.Labels{"route": route, "limit": limit}).Inc()
}
