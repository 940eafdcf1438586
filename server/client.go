package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/async"
)

// Client is one websocket connection of the event stream
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan interface{}
	id     string

	mu     sync.RWMutex
	noteID string // only events of this note; "" for all
}

func (c *Client) wants(ev async.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noteID == "" || c.noteID == ev.NoteID
}

// readPump handles messages from the client until the connection fails
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Debugw("Ignoring malformed client message", "client_id", c.id, logger.FieldError, err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			c.noteID = msg.NoteID
			c.mu.Unlock()
			c.server.logger.Debugw("Client subscribed", "client_id", c.id, logger.FieldNoteID, msg.NoteID)
		case "ping":
			// Keeps the read deadline fresh
		default:
			c.server.logger.Debugw("Unknown message type", "type", msg.Type, "client_id", c.id)
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("WebSocket write error", "client_id", c.id, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
