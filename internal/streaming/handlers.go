package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades HTTP requests into hub clients.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-handler")),
	}
}

// RegisterStreamRoutes mounts the event stream endpoints.
func RegisterStreamRoutes(router *gin.Engine, handler *WSHandler) {
	api := router.Group("/api/v1")
	api.GET("/workflows/:id/stream", handler.StreamWorkflow)
	api.GET("/stream", handler.StreamAll)
}

// StreamWorkflow streams one workflow's events.
// WS /api/v1/workflows/:id/stream
func (h *WSHandler) StreamWorkflow(c *gin.Context) {
	workflowID := c.Param("id")
	if workflowID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflow id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, false, h.logger)
	h.hub.Register(client)
	client.Subscribe(workflowID)

	h.logger.Info("workflow stream opened",
		zap.String("client_id", client.ID),
		zap.String("workflow_id", workflowID))

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll streams every workflow event.
// WS /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, true, h.logger)
	h.hub.Register(client)

	h.logger.Info("event stream opened", zap.String("client_id", client.ID))

	go client.WritePump()
	go client.ReadPump()
}
