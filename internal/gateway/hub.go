// Package gateway hosts the HTTP surface: webhook intake, health and
// metrics endpoints, and a websocket stream of orchestration events.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 45 * time.Second
	sendBuffer = 64
)

// Hub fans bus events out to connected websocket observers. Outbound only:
// observers never send commands.
type Hub struct {
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*client]bool
	sub     bus.Subscription
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates the hub and subscribes it to all orchestration events.
func NewHub(eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	if log == nil {
		log = logger.Default()
	}
	h := &Hub{
		logger:  log.WithFields(zap.String("component", "ws-hub")),
		clients: make(map[*client]bool),
	}

	sub, err := eventBus.Subscribe(bus.SubjectAll, func(_ context.Context, event *bus.Event) error {
		h.broadcast(event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.sub = sub
	return h, nil
}

// Close unsubscribes and disconnects every observer.
func (h *Hub) Close() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// broadcast queues the event for every client. Slow clients are dropped:
// a full send buffer disconnects them rather than blocking the bus.
func (h *Hub) broadcast(event *bus.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping slow websocket client")
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// attach registers a connection and starts its write pump.
func (h *Hub) attach(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// writePump streams queued events and pings until the client goes away.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.detach(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is noticing disconnects.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.detach(c)
			return
		}
	}
}
