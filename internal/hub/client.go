package hub

import (
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// Conn is the subset of a websocket connection the hub uses. The fiber
// websocket.Conn satisfies it; tests use scripted fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected web client. Writes go through the buffered send
// channel; a client that can not keep up misses events rather than
// blocking the hub.
type Client struct {
	ID   string
	conn Conn
	send chan []byte
}

func newClient(conn Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
}

// readPump consumes client commands until the connection drops, then
// unregisters the client.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.detach(c)
		_ = c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		h.handleCommand(c, cmd)
	}
}

// writePump drains the send channel onto the wire. It exits when the hub
// closes the channel on unregister.
func (c *Client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// deliver queues data for the client without ever blocking the caller.
func (c *Client) deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
