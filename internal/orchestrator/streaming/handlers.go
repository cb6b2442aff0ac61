package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinitylabs/controlplane/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler handles WebSocket connections for agent activity streaming.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler backed by hub.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "streaming_ws_handler")),
	}
}

// StreamAgent handles a WebSocket connection scoped to a single agent.
// WS /api/v1/agents/:name/stream
func (h *WSHandler) StreamAgent(c *gin.Context) {
	agentName := c.Param("name")
	if agentName == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "MISSING_AGENT_NAME", "message": "agent name is required"},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection",
			zap.String("agent_name", agentName), zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Info("websocket connection established",
		zap.String("client_id", clientID), zap.String("agent_name", agentName))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(agentName)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll handles a WebSocket connection that dynamically subscribes to
// agents via subscribe/unsubscribe control messages sent by the client.
// WS /api/v1/activities/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Info("websocket connection established", zap.String("client_id", clientID))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes adds streaming WebSocket routes to the router group.
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/agents/:name/stream", handler.StreamAgent)
	router.GET("/activities/stream", handler.StreamAll)
}
