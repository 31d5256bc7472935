// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-chat-relay/backend/internal/ws"
)

// WebSocketHandler handles WebSocket upgrade requests for chat channels.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// Attach handles GET /ws/chats/:userId - upgrades to a WebSocket, replays
// missed history and streams live notification frames.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "User ID is required")
		return
	}

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, userID); err != nil {
		// Error response already written by the WebSocket handler.
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/chats/:userId", h.Attach)
}
