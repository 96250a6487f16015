package proxy

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Pavan0228/SnapDeploy/pkg/metrics"
)

var (
	cacheLookups = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "proxy",
		Name:      "cache_lookups_total",
		Help:      "Subdomain cache lookups by result",
	}, []string{"result"}))

	cacheEntries = metrics.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "proxy",
		Name:      "cache_entries",
		Help:      "Subdomains currently cached",
	}))

	resolutions = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "proxy",
		Name:      "resolutions_total",
		Help:      "Datastore subdomain resolutions by outcome",
	}, []string{"outcome"}))

	requestTotal = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Proxied requests by outcome",
	}, []string{"outcome"}))

	upstreamLatency = metrics.Register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "proxy",
		Name:      "upstream_duration_seconds",
		Help:      "Time spent forwarding requests to the origin",
		Buckets:   metrics.DefaultBuckets,
	}))
)
