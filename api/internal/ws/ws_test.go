package ws

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, discardLogger())
	if err := c.Send([]byte(`{"logs":[]}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Heartbeat(time.UnixMilli(1700000000123)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "data: {\"logs\":[]}\n\n:heartbeat 1700000000123\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected frames %q", got)
	}
	if !rec.Flushed {
		t.Fatalf("expected frames flushed")
	}
	c.Close()
	if err := c.Send([]byte("x")); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSSEClientWriteFailureCloses(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(failingWriter{}, rec, discardLogger())
	if err := c.Send([]byte("x")); err == nil {
		t.Fatalf("expected write error")
	}
	if err := c.Heartbeat(time.Now()); err != io.EOF {
		t.Fatalf("expected closed client, got %v", err)
	}
}

func TestWebsocketClient(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := NewClient(conn, discardLogger())
		gone := c.Listen()
		if err := c.Heartbeat(time.UnixMilli(42)); err != nil {
			t.Errorf("heartbeat: %v", err)
		}
		if err := c.Send([]byte("hello")); err != nil {
			t.Errorf("send: %v", err)
		}
		select {
		case <-gone:
		case <-time.After(2 * time.Second):
			t.Errorf("peer disconnect not observed")
		}
		c.Close()
		close(serverDone)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	pings := make(chan string, 1)
	conn.SetPingHandler(func(data string) error {
		pings <- data
		return nil
	})
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("unexpected message %q", msg)
	}
	select {
	case p := <-pings:
		if p != "42" {
			t.Fatalf("unexpected ping payload %q", p)
		}
	default:
		t.Fatalf("expected ping before data")
	}
	conn.Close()
	<-serverDone
}
