// Package events streams capture lifecycle notifications to connected
// frontends over WebSocket, so the admin UI can react without polling.
package events

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one capture lifecycle notification.
type Event struct {
	Type        string    `json:"type"`
	CaptureID   string    `json:"capture_id"`
	ClientID    string    `json:"client_id,omitempty"`
	FingerLabel string    `json:"finger_label,omitempty"`
	Status      string    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event types published by the agent.
const (
	TypeCaptureStarted  = "capture.started"
	TypeCaptureFinished = "capture.finished"
)

const sendBuffer = 16

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans capture events out to every connected WebSocket client. A slow
// client's buffered channel fills and further events are dropped for it
// rather than blocking the broadcast loop.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader

	runOnce sync.Once
}

// NewHub creates a hub. originAllowed validates the Origin header on upgrade.
func NewHub(originAllowed func(string) bool) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"))
			},
		},
	}
}

// Run processes register/unregister/broadcast traffic until the process
// exits. Started once; subsequent calls are no-ops.
func (h *Hub) Run() {
	h.runOnce.Do(func() { go h.loop() })
}

func (h *Hub) loop() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
		case payload := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					// Client too slow; drop the event for it.
				}
			}
		}
	}
}

// Publish broadcasts an event to all connected clients. Never blocks the
// caller beyond the hub's buffered channel.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Events] failed to encode event: %v", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		log.Printf("[Events] broadcast queue full, dropping %s", ev.Type)
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Events] websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readPump drains (and discards) inbound frames so control messages are
// processed and closed connections are noticed.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
