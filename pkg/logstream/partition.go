package logstream

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Partition maps a deployment onto one of n partitions so all of its events
// share a stream and keep their relative order.
func Partition(deploymentID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(deploymentID) % uint64(n))
}

// StreamName is the key of partition p of the logical topic.
func StreamName(topic string, p int) string {
	return fmt.Sprintf("%s:%d", topic, p)
}

// StreamNames lists every partition stream of topic.
func StreamNames(topic string, n int) []string {
	if n < 1 {
		n = 1
	}
	names := make([]string, n)
	for i := range names {
		names[i] = StreamName(topic, i)
	}
	return names
}
