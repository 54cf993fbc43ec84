package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/lucified/minard-backend-sub001/internal/eventbus"
)

// Client wraps a websocket connection carrying stream envelopes. Every
// frame is the JSON form of a persisted event; heartbeats arrive as
// control-ping envelopes with revision zero and clients are expected to
// ignore them for resumption purposes.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one stream envelope to the connection.
func (c *Client) Send(event eventbus.PersistedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
