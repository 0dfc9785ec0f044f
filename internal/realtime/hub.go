// Package realtime fans queue updates out to connected kiosk clients over
// websockets.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"jukebox/internal/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 16
)

// queueEvent is the wire envelope for queue fan-out.
type queueEvent struct {
	Event string          `json:"event"`
	Data  core.QueueState `json:"data"`
}

// Hub manages connected websocket clients and pushes every queue snapshot to
// all of them. A client that cannot keep up with the send buffer is dropped;
// the kiosk frontend reconnects and receives a fresh snapshot.
type Hub struct {
	logger   *zap.Logger
	snapshot func() core.QueueState

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	clientCount atomic.Int64
}

// NewHub creates a hub. snapshot supplies the current queue state sent to
// every client on connect. Run must be started for the hub to operate.
func NewHub(snapshot func() core.QueueState, logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		snapshot:   snapshot,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
	}
}

// Run owns the client set until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.clientCount.Store(0)
			return nil
		case c := <-h.register:
			h.clients[c] = true
			h.clientCount.Store(int64(len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.clientCount.Store(int64(len(h.clients)))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.clientCount.Store(int64(len(h.clients)))
		}
	}
}

// Broadcast queues a state snapshot for delivery to every connected client.
// It never blocks the caller; under sustained backpressure the oldest update
// is dropped because the next snapshot supersedes it anyway.
func (h *Hub) Broadcast(state core.QueueState) {
	msg, err := json.Marshal(queueEvent{Event: "queue:update", Data: state})
	if err != nil {
		h.logger.Error("Failed to marshal queue update", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- msg:
		return
	default:
	}
	select {
	case <-h.broadcast:
	default:
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and attaches the connection to the hub. The
// current queue snapshot is delivered first so the client never renders an
// empty view while waiting for the next change.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}

	if msg, merr := json.Marshal(queueEvent{Event: "queue:update", Data: h.snapshot()}); merr == nil {
		c.send <- msg
	}

	h.register <- c
	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump discards inbound frames; the kiosk protocol is push-only. It
// exists to process pongs and detect closed connections.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
