package ws

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Client represents a websocket client connection.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *slog.Logger
	once sync.Once
}

var _ Subscriber = (*Client)(nil)

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes a text message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Debug("websocket send failed", "error", err)
		return err
	}
	return nil
}

// Heartbeat sends a ping control frame carrying the epoch milliseconds of at.
func (c *Client) Heartbeat(at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := []byte(strconv.FormatInt(at.UnixMilli(), 10))
	if err := c.conn.WriteControl(websocket.PingMessage, data, time.Now().Add(writeWait)); err != nil {
		c.log.Debug("websocket ping failed", "error", err)
		return err
	}
	return nil
}

// Listen drains inbound frames and closes the returned channel once the peer
// disconnects. Control frames are handled by the connection's default handlers.
func (c *Client) Listen() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

// Close sends a normal closure frame and terminates the connection.
func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}
