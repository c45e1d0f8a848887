// Package stream pushes live engine events to browser clients over
// websockets: operator alerts and periodic position snapshots.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trademaven/algoengine/internal/models"
	"github.com/trademaven/algoengine/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Event is one message pushed to every connected client.
type Event struct {
	Type      string    `json:"type"` // "alert" | "positions"
	Timestamp time.Time `json:"timestamp"`

	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	Positions []models.PositionSnapshot `json:"positions,omitempty"`
}

// Hub fans engine events out to websocket clients. A slow client is
// dropped rather than allowed to stall the broadcast.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The control UI is served from arbitrary operator hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("stream: upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("stream: client connected (%d total)", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// readLoop discards client messages; it exists to observe close frames
// and pong timings.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Broadcast pushes the event to every connected client.
func (h *Hub) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("stream: marshal: %v", err)
		return
	}

	h.mu.Lock()
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Printf("stream: dropping slow client")
		h.drop(c)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Alert implements notify.Notifier so the hub can sit alongside the
// Telegram channel in a fan-out.
func (h *Hub) Alert(ctx context.Context, title, message, level string) {
	h.Broadcast(Event{Type: "alert", Title: title, Message: message, Level: level})
}

// PublishPositions pushes a position snapshot frame.
func (h *Hub) PublishPositions(positions []models.PositionSnapshot) {
	h.Broadcast(Event{Type: "positions", Positions: positions})
}

var _ notify.Notifier = (*Hub)(nil)

// Fanout forwards alerts to several notifiers.
type Fanout []notify.Notifier

// Alert delivers the alert to every sink.
func (f Fanout) Alert(ctx context.Context, title, message, level string) {
	for _, n := range f {
		n.Alert(ctx, title, message, level)
	}
}

var _ notify.Notifier = (Fanout)(nil)
