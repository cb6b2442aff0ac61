// Package streaming fans out activity events for running agents to
// subscribed WebSocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinitylabs/controlplane/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ActivityEvent is the payload broadcast to subscribers of an agent's stream.
// It mirrors the shape persisted to the activities table so a client that
// reconnects can reconcile live events against the history endpoint.
type ActivityEvent struct {
	AgentName string          `json:"agent_name"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscribeMsg is sent by a client over its read pump to (un)subscribe to an
// agent's activity stream when connected via the fan-in StreamAll endpoint.
type subscribeMsg struct {
	Action    string `json:"action"` // "subscribe" | "unsubscribe"
	AgentName string `json:"agent_name"`
}

// Client represents a WebSocket client connection.
type Client struct {
	ID       string
	conn     *websocket.Conn
	agents   map[string]bool // agent names this client is subscribed to
	send     chan []byte
	hub      *Hub
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewClient creates a new WebSocket client bound to hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		agents: make(map[string]bool),
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Subscribe adds agentName to the set this client receives events for.
func (c *Client) Subscribe(agentName string) {
	c.mu.Lock()
	c.agents[agentName] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, agentName)
}

// Unsubscribe removes agentName from this client's subscription set.
func (c *Client) Unsubscribe(agentName string) {
	c.mu.Lock()
	delete(c.agents, agentName)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, agentName)
}

// ReadPump pumps subscribe/unsubscribe control messages from the client
// connection. It must run in its own goroutine; the connection is closed
// and the client unregistered when this returns.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg subscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.Subscribe(msg.AgentName)
		case "unsubscribe":
			c.Unsubscribe(msg.AgentName)
		}
	}
}

// WritePump pumps queued events and periodic pings to the client
// connection. It must run in its own goroutine and exits when the hub
// closes c.send.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// Hub manages all WebSocket clients and routes activity events to the
// clients subscribed to the originating agent.
type Hub struct {
	clients map[*Client]bool

	// agentClients indexes clients by the agent name they are subscribed to.
	agentClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// BroadcastMessage contains an activity event to fan out to an agent's
// subscribers.
type BroadcastMessage struct {
	AgentName string
	Event     *ActivityEvent
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		agentClients: make(map[string]map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *BroadcastMessage, 256),
		logger:       log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run starts the hub processing loop; it blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.agentClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)

				for agentName := range client.agents {
					if clients, ok := h.agentClients[agentName]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.agentClients, agentName)
						}
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.agentClients[msg.AgentName]
			h.mu.RUnlock()

			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(msg.Event)
			if err != nil {
				h.logger.Error("failed to marshal activity event", zap.Error(err))
				continue
			}

			for client := range clients {
				select {
				case client.send <- data:
				default:
					h.mu.Lock()
					close(client.send)
					delete(h.clients, client)
					for agentName := range client.agents {
						if agentClients, ok := h.agentClients[agentName]; ok {
							delete(agentClients, client)
							if len(agentClients) == 0 {
								delete(h.agentClients, agentName)
							}
						}
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends an activity event to all clients subscribed to agentName.
func (h *Hub) Broadcast(agentName string, event *ActivityEvent) {
	h.broadcast <- &BroadcastMessage{AgentName: agentName, Event: event}
}

// SubscribeClient subscribes a client to an agent's activity stream.
func (h *Hub) SubscribeClient(client *Client, agentName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.agentClients[agentName]; !ok {
		h.agentClients[agentName] = make(map[*Client]bool)
	}
	h.agentClients[agentName][client] = true
	h.logger.Debug("client subscribed to agent",
		zap.String("client_id", client.ID),
		zap.String("agent_name", agentName))
}

// UnsubscribeClient unsubscribes a client from an agent's activity stream.
func (h *Hub) UnsubscribeClient(client *Client, agentName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.agentClients[agentName]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.agentClients, agentName)
		}
	}
	h.logger.Debug("client unsubscribed from agent",
		zap.String("client_id", client.ID),
		zap.String("agent_name", agentName))
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetAgentSubscriberCount returns the number of clients subscribed to an agent.
func (h *Hub) GetAgentSubscriberCount(agentName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.agentClients[agentName]; ok {
		return len(clients)
	}
	return 0
}
