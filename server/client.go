package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient is one WebSocket observer. The feed is one-way: clients receive
// transitions; anything they send beyond control frames is discarded.
type wsClient struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan *TransitionMessage
	id        string
	closeOnce sync.Once
}

// readPump consumes the connection so control frames (pong, close) are
// processed, discarding any data frames.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump pushes transitions and keepalive pings to the peer.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Debugw("Transition write error", "client_id", c.id, "error", err)
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

// close shuts the send channel exactly once.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
