package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn a client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var pongFrame = []byte(`{"type":"pong"}`)

// Client is one live viewer.
type Client struct {
	ID     string
	UserID int64

	hub       *Hub
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	defer c.hub.wg.Done()
	ticker := time.NewTicker(c.hub.opts.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.evict(c, "write_error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.evict(c, "ping_error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

type inbound struct {
	Type string `json:"type"`
}

// readPump answers application pings and notices disconnects.
func (c *Client) readPump() {
	defer c.hub.wg.Done()
	pongWait := c.hub.opts.PongWait
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.evict(c, "closed", err)
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" && !c.enqueue(pongFrame) {
			c.hub.evict(c, "buffer_full", nil)
			return
		}
	}
}
