// Package ws holds the per-connection push clients used by the log stream
// endpoints.
package ws

import "time"

// Subscriber is one client connection receiving pushed frames.
type Subscriber interface {
	// Send pushes one data frame.
	Send(payload []byte) error
	// Heartbeat pushes a keep-alive that carries no data.
	Heartbeat(at time.Time) error
	Close()
}
