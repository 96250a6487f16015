package logstream

import (
	"errors"
	"testing"
	"time"
)

func TestParseAcceptsCurrentAndLegacyKeys(t *testing.T) {
	msg, err := Parse([]byte(`{"deploymentId":"3f8a1c2e-5b7d-4e9f-8a6b-1c2d3e4f5a6b","log":"npm install","status":"running","eventId":"e-1","timestamp":"2026-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.DeploymentID != "3f8a1c2e-5b7d-4e9f-8a6b-1c2d3e4f5a6b" || msg.Log != "npm install" || msg.Status != StatusRunning || msg.EventID != "e-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !msg.Timestamp.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %s", msg.Timestamp)
	}

	legacy, err := Parse([]byte(`{"DEPLOYMENT_ID":"7C1E9A20-4B3D-4A8F-9E6B-5D4C3B2A1F0E","PROJECT_ID":"proj-2","log":"done","status":"COMPLETED","timestamp":1767225600000}`))
	if err != nil {
		t.Fatalf("parse legacy: %v", err)
	}
	if legacy.DeploymentID != "7c1e9a20-4b3d-4a8f-9e6b-5d4c3b2a1f0e" || legacy.ProjectID != "proj-2" || legacy.Status != StatusCompleted {
		t.Fatalf("unexpected legacy message %+v", legacy)
	}
	if legacy.Timestamp.UnixMilli() != 1767225600000 {
		t.Fatalf("epoch millis not honoured: %s", legacy.Timestamp)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not json":       `log line`,
		"no deployment":  `{"log":"x"}`,
		"non-uuid id":    `{"deploymentId":"not-a-uuid","log":"hello"}`,
		"no log":         `{"deploymentId":"3f8a1c2e-5b7d-4e9f-8a6b-1c2d3e4f5a6b"}`,
		"unknown status": `{"deploymentId":"3f8a1c2e-5b7d-4e9f-8a6b-1c2d3e4f5a6b","log":"x","status":"exploded"}`,
		"bad timestamp":  `{"deploymentId":"3f8a1c2e-5b7d-4e9f-8a6b-1c2d3e4f5a6b","log":"x","timestamp":"yesterday"}`,
		"wrong log type": `{"deploymentId":"3f8a1c2e-5b7d-4e9f-8a6b-1c2d3e4f5a6b","log":42}`,
		"array payload":  `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseAllowsEmptyLogLine(t *testing.T) {
	msg, err := Parse([]byte(`{"deploymentId":"3f8a1c2e-5b7d-4e9f-8a6b-1c2d3e4f5a6b","log":""}`))
	if err != nil {
		t.Fatalf("empty log line should be accepted: %v", err)
	}
	if msg.Status != "" || !msg.Timestamp.IsZero() {
		t.Fatalf("unexpected defaults %+v", msg)
	}
}
