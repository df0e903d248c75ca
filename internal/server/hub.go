package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmux/agentmux/internal/types"
)

// WebSocketBufferSize is the buffer size for send/broadcast channels,
// letting burst traffic queue before a slow client is dropped.
const WebSocketBufferSize = 256

// WSMessage is the envelope pushed to dashboard clients
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	WSTypeStatus = "status_update"
	WSTypeEvent  = "event"
	WSTypeFleet  = "fleet_state"
)

// Client represents a WebSocket client (browser)
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages WebSocket clients
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, WebSocketBufferSize),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastJSON sends a JSON message to all clients
func (h *Hub) BroadcastJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.broadcast <- data
}

// BroadcastStatusUpdate pushes a context-level transition to every
// dashboard client.
func (h *Hub) BroadcastStatusUpdate(sessionName string, level types.ContextLevel, percent int) {
	h.BroadcastJSON(WSMessage{
		Type: WSTypeStatus,
		Data: map[string]any{
			"sessionName":    sessionName,
			"level":          level,
			"contextPercent": percent,
			"timestamp":      time.Now().UTC(),
		},
	})
}

// BroadcastEvent forwards a bus event to every client
func (h *Hub) BroadcastEvent(ev types.Event) {
	h.BroadcastJSON(WSMessage{Type: WSTypeEvent, Data: ev})
}

// ClientCount returns number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads messages from the WebSocket
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// Incoming browser messages are not processed
	}
}

// writePump writes messages to the WebSocket
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
