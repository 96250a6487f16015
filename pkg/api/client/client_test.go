package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTriggerDeployment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deployments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["projectId"] != "p1" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"deploymentId":"dep-1","status":"IN_PROGRESS"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dep, err := c.TriggerDeployment(context.Background(), "tok", "p1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if dep.ID != "dep-1" || dep.Status != "IN_PROGRESS" || dep.Terminal() {
		t.Fatalf("unexpected deployment %+v", dep)
	}
}

func TestTriggerDeploymentLaunchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"deploymentId":"dep-1","status":"FAILED","error":"launch worker: no capacity"}`)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.TriggerDeployment(context.Background(), "tok", "p1")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusInternalServerError || apiErr.DeploymentID != "dep-1" || apiErr.Message != "launch worker: no capacity" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("localhost:9000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.baseURL != "http://localhost:9000" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
}

func TestStreamLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logs/dep-1/stream" || r.URL.Query().Get("token") != "tok" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			"data: {\"logs\":[{\"eventId\":\"e1\",\"log\":\"cloning\"}],\"deploymentId\":\"dep-1\",\"latestStatus\":\"\"}\n\n",
			":heartbeat 1700000000123\n\n",
			"data: {\"status\":\"terminal\",\"finalStatus\":\"completed\",\"deploymentId\":\"dep-1\"}\n\n",
			"data: {\"logs\":[]}\n\n",
		}
		for _, f := range frames {
			_, _ = io.WriteString(w, f)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	var got []StreamFrame
	err := c.StreamLogs(context.Background(), "tok", "dep-1", func(f StreamFrame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 frames up to terminal, got %d", len(got))
	}
	if len(got[0].Logs) != 1 || got[0].Logs[0].Log != "cloning" {
		t.Fatalf("unexpected data frame %+v", got[0])
	}
	if !got[1].IsHeartbeat() || got[1].Heartbeat.UnixMilli() != 1700000000123 {
		t.Fatalf("unexpected heartbeat frame %+v", got[1])
	}
	if !got[2].Terminal() || got[2].FinalStatus != "completed" {
		t.Fatalf("unexpected terminal frame %+v", got[2])
	}
}

func TestStreamLogsHandlerStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"logs\":[]}\n\ndata: {\"logs\":[]}\n\n")
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	calls := 0
	err := c.StreamLogs(context.Background(), "", "dep-1", func(StreamFrame) error {
		calls++
		return ErrStopStream
	})
	if err != nil || calls != 1 {
		t.Fatalf("expected clean stop after one frame, got err=%v calls=%d", err, calls)
	}
}

func TestStreamLogsUnexpectedEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"error\":\"boom\",\"type\":\"store_error\",\"retryable\":false}\n\n")
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	var frame StreamFrame
	err := c.StreamLogs(context.Background(), "", "dep-1", func(f StreamFrame) error {
		frame = f
		return nil
	})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
	if frame.Type != "store_error" || frame.Retryable {
		t.Fatalf("unexpected error frame %+v", frame)
	}
}

func TestStreamLogsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"token not valid for deployment"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	err := c.StreamLogs(context.Background(), "tok", "dep-1", func(StreamFrame) error { return nil })
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 APIError, got %v", err)
	}
}

func TestReadFramesMultilineData(t *testing.T) {
	input := "data: {\"logs\":\ndata: []}\n\n"
	var frames []StreamFrame
	err := readFrames(strings.NewReader(input), func(f StreamFrame) error {
		frames = append(frames, f)
		return nil
	})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected stream end error, got %v", err)
	}
	if len(frames) != 1 || frames[0].Logs == nil {
		t.Fatalf("expected joined data frame, got %+v", frames)
	}
}

func TestGetDeployment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deployments/dep-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"deploymentId":"dep-1","status":"READY","createdAt":"2024-05-01T12:00:00Z"}`)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	dep, err := c.GetDeployment(context.Background(), "tok", "dep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !dep.Terminal() || !dep.CreatedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected deployment %+v", dep)
	}
}
