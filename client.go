package main

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/stranger-chat/matchmaker"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxFrameSize   = 16 << 10
)

// Client is a single websocket connection. The handle is fresh per
// connection; sessionID and send are owned by the hub loop.
type Client struct {
	handle matchmaker.Handle
	conn   *websocket.Conn
	send   chan ServerEvent
	hub    *Hub
	closed atomic.Bool

	sessionID string
}

func NewClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		handle: matchmaker.Handle(uuid.NewString()),
		conn:   conn,
		hub:    hub,
		send:   make(chan ServerEvent, sendBufferSize),
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("conn", string(c.handle)).Msg("read message")
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.hub.reject(c, fmt.Errorf("%w: %v", errBadRequest, err))
			continue
		}
		c.hub.route(c, msg)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("conn", string(c.handle)).Msg("write json")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push must only be called from the hub loop.
func (c *Client) push(ev ServerEvent) {
	select {
	case c.send <- ev:
	default:
		// drop oldest to avoid blocking
		select {
		case <-c.send:
		default:
		}
		c.send <- ev
	}
}

func (c *Client) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.conn.Close()
}
