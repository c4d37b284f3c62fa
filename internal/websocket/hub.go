// Package websocket pushes cycle state and user notifications to the
// kiosk touch UI.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"cleanhelmet/internal/infrastructure"
)

// Message types understood by the UI.
const (
	TypeConnection   = "connection"
	TypeCycleState   = "cycle:state"
	TypeCycleReport  = "cycle:report"
	TypeNotification = "notification"
	TypeConnectivity = "connectivity"
	TypeHardware     = "hardware"
)

// Notification levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// replayed to clients that connect after the fact
var stickyTypes = map[string]bool{
	TypeCycleState:   true,
	TypeConnectivity: true,
	TypeHardware:     true,
}

// Message is the envelope of every frame sent to the UI.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Notification is a user-facing message. Text must never be technical.
type Notification struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type outbound struct {
	msgType string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	last    map[string][]byte
	sent    int64
	dropped int64

	logger  *slog.Logger
	quit    chan struct{}
	done    chan struct{}
	running bool
}

// NewHub creates a hub. Call Start before broadcasting.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		last:       make(map[string][]byte),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop in the background. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			replay := make([][]byte, 0, len(h.last))
			for _, msg := range h.last {
				replay = append(replay, msg)
			}
			h.mu.Unlock()

			h.logger.Info("client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.sendTo(client, encode(TypeConnection, map[string]interface{}{
				"status":    "connected",
				"client_id": client.id,
			}))
			for _, msg := range replay {
				h.sendTo(client, msg)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("client unregistered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.Duration("connection_duration", time.Since(client.connectedAt)))

		case msg := <-h.broadcast:
			h.mu.Lock()
			if stickyTypes[msg.msgType] {
				h.last[msg.msgType] = msg.payload
			}
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.Unlock()

			for _, client := range clients {
				h.sendTo(client, msg.payload)
			}
		}
	}
}

// sendTo never blocks the hub; a client with a full buffer is dropped.
func (h *Hub) sendTo(client *Client, payload []byte) {
	if payload == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- payload:
		h.sent++
	default:
		close(client.send)
		delete(h.clients, client)
		h.dropped++
		h.logger.Warn("client send buffer full, disconnecting", slog.String("client_id", client.id))
	}
}

// Broadcast sends a typed message to every client.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	payload := encode(msgType, data)
	if payload == nil {
		h.logger.Error("failed to encode message", slog.String("message_type", msgType))
		return
	}
	select {
	case h.broadcast <- outbound{msgType: msgType, payload: payload}:
	case <-h.quit:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warn("broadcast queue full, message dropped", slog.String("message_type", msgType))
	}
}

// Notify shows a notification on the kiosk screen.
func (h *Hub) Notify(ctx context.Context, level, message string) {
	h.logger.DebugContext(ctx, "notification", slog.String("level", level), slog.String("message", message))
	h.Broadcast(TypeNotification, Notification{Level: level, Message: message})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns delivery counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"active_clients": len(h.clients),
		"messages_sent":  h.sent,
		"dropped":        h.dropped,
	}
}

// Register adds a client.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Stop ends the hub loop and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func encode(msgType string, data interface{}) []byte {
	b, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return nil
	}
	return b
}
