package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/gatecount/gatecount/internal/bus"
	"github.com/gatecount/gatecount/internal/metrics"
)

const (
	// clientBuffer bounds each client's outgoing queue. When it fills,
	// the oldest pending message is dropped for that client only.
	clientBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MessageType discriminates WebSocket messages
type MessageType string

const (
	MessageTypeEvent     MessageType = "event"
	MessageTypeStats     MessageType = "stats"
	MessageTypeAnalytics MessageType = "analytics"
	MessageTypeStatus    MessageType = "status"
)

// Message is the wire envelope sent to WebSocket clients
type Message struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Client represents one WebSocket connection
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// overflowed flags that the one-shot overflow notice was sent.
	// Touched only by the hub goroutine.
	overflowed bool
}

// HubConfig wires the hub to the rest of the system.
type HubConfig struct {
	// Stats returns the live counter snapshot sent to each client right
	// after it connects. Optional.
	Stats func() interface{}
	// OnSubscribe runs after a client registers. The worker publishes a
	// fresh analytics snapshot here so new dashboards paint immediately.
	// Optional.
	OnSubscribe func()
}

// Hub maintains the set of active clients and fans bus traffic out to
// them. Slow clients lose their own oldest messages, never anyone else's.
type Hub struct {
	cfg        HubConfig
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "websocket-hub"),
	}
}

// AttachBus subscribes the hub to the counter subjects. A single wildcard
// subscription keeps cross-subject delivery in publication order.
func (h *Hub) AttachBus(b *bus.Bus) error {
	_, err := b.Subscribe("counter.*", func(msg *nats.Msg) {
		switch msg.Subject {
		case bus.SubjectEvents:
			h.Broadcast(Message{Type: MessageTypeEvent, Data: json.RawMessage(msg.Data)})
		case bus.SubjectStats:
			h.Broadcast(Message{Type: MessageTypeStats, Data: json.RawMessage(msg.Data)})
		case bus.SubjectAnalytics:
			h.Broadcast(Message{Type: MessageTypeAnalytics, Data: json.RawMessage(msg.Data)})
		case bus.SubjectStatus:
			var ev bus.StatusEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return
			}
			h.Broadcast(Message{Type: MessageTypeStatus, Data: statusPayload(ev)})
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe counter subjects: %w", err)
	}
	return nil
}

// statusPayload turns a bus status transition into the short
// human-readable form clients display.
func statusPayload(ev bus.StatusEvent) map[string]string {
	payload := map[string]string{"state": ev.State}
	switch ev.State {
	case bus.StatusCameraOnline:
		payload["message"] = "Camera online"
	case bus.StatusCameraOffline:
		payload["message"] = "Camera offline"
	case bus.StatusCounterReset:
		payload["message"] = "Counters reset"
	case bus.StatusSettingsSaved:
		payload["message"] = "Settings updated"
	default:
		payload["message"] = ev.State
	}
	if ev.Detail != "" {
		payload["detail"] = ev.Detail
	}
	return payload
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			metrics.WebsocketClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(total))
			h.greet(client)
			h.logger.Debug("Client connected", "client_id", client.id, "total_clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(total))
			h.logger.Debug("Client disconnected", "client_id", client.id, "total_clients", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				h.deliver(client, message)
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues a message for all connected clients
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// greet sends the current stats to a new client and asks the worker for
// a fresh analytics snapshot.
func (h *Hub) greet(client *Client) {
	if h.cfg.Stats != nil {
		if data, err := json.Marshal(Message{Type: MessageTypeStats, Data: h.cfg.Stats()}); err == nil {
			h.deliver(client, data)
		}
	}
	if h.cfg.OnSubscribe != nil {
		go h.cfg.OnSubscribe()
	}
}

// deliver queues payload for one client. When the client's buffer is full
// its oldest pending message is dropped; the first drop also queues a
// one-shot status notice so the client knows it missed messages.
func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case c.send <- payload:
		return
	default:
	}

	h.dropOldest(c)
	if !c.overflowed {
		c.overflowed = true
		h.dropOldest(c)
		if note, err := json.Marshal(Message{Type: MessageTypeStatus, Data: map[string]bool{"overflowed": true}}); err == nil {
			h.offer(c, note)
		}
		h.logger.Warn("Client buffer overflow, dropping oldest", "client_id", c.id)
	}
	h.offer(c, payload)
}

func (h *Hub) offer(c *Client, payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) dropOldest(c *Client) {
	select {
	case <-c.send:
	default:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection and registers the client
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound messages and leaves on error or idle timeout.
// Each pong refreshes the read deadline.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", "client_id", c.id, "error", err)
			}
			break
		}
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings. One message per frame; clients parse each frame as one JSON
// object.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
