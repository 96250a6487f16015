// Package logstream defines the log transport's wire format and the producer
// build workers use to publish onto it.
package logstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed marks a payload that can never be ingested.
var ErrMalformed = errors.New("logstream: malformed message")

// PayloadField is the stream entry field holding the JSON message.
const PayloadField = "payload"

// Status tags accepted on the wire.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Message is one validated log event as carried by the transport.
type Message struct {
	DeploymentID string    `json:"deploymentId"`
	ProjectID    string    `json:"projectId,omitempty"`
	Log          string    `json:"log"`
	Status       string    `json:"status,omitempty"`
	EventID      string    `json:"eventId,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// wireMessage also accepts the upper-case keys older workers emit.
type wireMessage struct {
	DeploymentID       string          `json:"deploymentId"`
	LegacyDeploymentID string          `json:"DEPLOYMENT_ID"`
	ProjectID          string          `json:"projectId"`
	LegacyProjectID    string          `json:"PROJECT_ID"`
	Log                *string         `json:"log"`
	Status             *string         `json:"status"`
	EventID            string          `json:"eventId"`
	Timestamp          json.RawMessage `json:"timestamp"`
}

// Parse validates a raw payload. Every failure wraps ErrMalformed.
func Parse(raw []byte) (Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{
		DeploymentID: firstNonEmpty(w.DeploymentID, w.LegacyDeploymentID),
		ProjectID:    firstNonEmpty(w.ProjectID, w.LegacyProjectID),
		EventID:      strings.TrimSpace(w.EventID),
	}
	if msg.DeploymentID == "" {
		return Message{}, fmt.Errorf("%w: deploymentId is required", ErrMalformed)
	}
	id, err := uuid.Parse(msg.DeploymentID)
	if err != nil {
		return Message{}, fmt.Errorf("%w: deploymentId %q: %v", ErrMalformed, msg.DeploymentID, err)
	}
	msg.DeploymentID = id.String()
	if w.Log == nil {
		return Message{}, fmt.Errorf("%w: log is required", ErrMalformed)
	}
	msg.Log = *w.Log
	if w.Status != nil {
		switch s := strings.ToLower(strings.TrimSpace(*w.Status)); s {
		case "", StatusRunning, StatusCompleted, StatusFailed:
			msg.Status = s
		default:
			return Message{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, *w.Status)
		}
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Message{}, err
	}
	msg.Timestamp = ts
	return msg, nil
}

// parseTimestamp accepts an RFC 3339 string or epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Time{}, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
		}
		if s == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
		}
		return ts.UTC(), nil
	}
	ms, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
