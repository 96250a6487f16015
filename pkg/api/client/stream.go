package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrStopStream may be returned by a FrameHandler to end the stream without error.
var ErrStopStream = errors.New("client: stop stream")

// StreamFrame is one event of a deployment log stream. Exactly one of the
// data, terminal, error or heartbeat shapes is populated.
type StreamFrame struct {
	Logs         []LogEvent `json:"logs"`
	Timestamp    string     `json:"timestamp"`
	DeploymentID string     `json:"deploymentId"`
	LatestStatus *string    `json:"latestStatus"`

	Status      string `json:"status"`
	FinalStatus string `json:"finalStatus"`

	Error     string `json:"error"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`

	Heartbeat time.Time `json:"-"`
}

// Terminal reports whether the frame closes the stream.
func (f StreamFrame) Terminal() bool { return f.Status == "terminal" }

// IsHeartbeat reports whether the frame is a keep-alive comment.
func (f StreamFrame) IsHeartbeat() bool { return !f.Heartbeat.IsZero() }

// FrameHandler receives each frame in order.
type FrameHandler func(StreamFrame) error

// StreamLogs follows the deployment's log stream until the server sends a
// terminal frame, ctx is cancelled, or handle returns an error.
func (c *Client) StreamLogs(ctx context.Context, token, deploymentID string, handle FrameHandler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := fmt.Sprintf("%s/logs/%s/stream", c.baseURL, url.PathEscape(deploymentID))
	if strings.TrimSpace(token) != "" {
		endpoint += "?token=" + url.QueryEscape(strings.TrimSpace(token))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open log stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	err = readFrames(resp.Body, handle)
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readFrames parses server-sent events from r.
func readFrames(r io.Reader, handle FrameHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var frame StreamFrame
			if err := json.Unmarshal([]byte(data.String()), &frame); err != nil {
				return fmt.Errorf("decode frame: %w", err)
			}
			data.Reset()
			if err := handle(frame); err != nil {
				return err
			}
			if frame.Terminal() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			frame, ok := heartbeatFrame(line)
			if !ok {
				continue
			}
			if err := handle(frame); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read log stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func heartbeatFrame(line string) (StreamFrame, bool) {
	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(fields) != 2 || fields[0] != "heartbeat" {
		return StreamFrame{}, false
	}
	ms, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return StreamFrame{}, false
	}
	return StreamFrame{Heartbeat: time.UnixMilli(ms)}, true
}
