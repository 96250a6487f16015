// Package metrics registers Prometheus collectors on the default registry.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by SnapDeploy services.
const Namespace = "snapdeploy"

// DefaultBuckets are latency buckets in seconds shared by histograms.
var DefaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Register adds c to the default registry. When an identical collector was
// registered earlier, for example by a second instance of a component, the
// existing collector is returned so both instances share it.
func Register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
