// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-chat-relay/backend/internal/agent"
	"github.com/agent-chat-relay/backend/internal/model"
	"github.com/agent-chat-relay/backend/internal/repository"
	"github.com/agent-chat-relay/backend/internal/router"
)

// MessageHandler handles HTTP requests for chat message ingestion and
// history reads.
type MessageHandler struct {
	repo   *repository.MessageRepository
	router *router.Router
	agent  *agent.Worker
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(repo *repository.MessageRepository, rt *router.Router, worker *agent.Worker) *MessageHandler {
	return &MessageHandler{
		repo:   repo,
		router: rt,
		agent:  worker,
	}
}

// PostMessageRequest represents the request body for submitting a message.
type PostMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// MessageResponse represents a message in API responses.
type MessageResponse struct {
	ID            int64  `json:"id"`
	Role          string `json:"role"`
	Content       string `json:"content"`
	CorrelationID *int64 `json:"correlationId,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toMessageResponse converts a model.Message to MessageResponse.
func toMessageResponse(m *model.Message) *MessageResponse {
	return &MessageResponse{
		ID:            m.ID,
		Role:          string(m.Role),
		Content:       m.Content,
		CorrelationID: m.CorrelationID,
		CreatedAt:     m.CreatedAt.Format(time.RFC3339),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Create handles POST /api/chats/:userId/messages - stores a user message
// and triggers agent processing. Responds synchronously with the accepted
// message; the assistant's reply arrives later over the WebSocket channel.
func (h *MessageHandler) Create(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "User ID is required")
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", model.ErrContentRequired.Error())
		return
	}

	msg, err := h.repo.Append(c.Request.Context(), userID, model.RoleUser, req.Content, nil)
	if err != nil {
		if errors.Is(err, model.ErrStoreUnavailable) {
			sendError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Failed to store message")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store message: "+err.Error())
		return
	}

	// Echo the stored user message to the user's other live sessions so
	// every tab converges on the same ordered history.
	h.router.Publish(model.NotificationEvent{UserID: msg.UserID, Message: msg})

	if err := h.agent.Submit(msg); err != nil {
		// The message is durable; only the reply is delayed.
		log.Printf("Failed to submit message %d for user %s to agent: %v", msg.ID, userID, err)
	}

	c.JSON(http.StatusCreated, toMessageResponse(msg))
}

// List handles GET /api/chats/:userId/messages - returns the ordered message
// history from the optional ?since= cursor.
func (h *MessageHandler) List(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "User ID is required")
		return
	}

	var since int64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid since cursor")
			return
		}
		since = parsed
	}

	messages, err := h.repo.ListSince(c.Request.Context(), userID, since)
	if err != nil {
		if errors.Is(err, model.ErrStoreUnavailable) {
			sendError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Failed to list messages")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list messages: "+err.Error())
		return
	}

	response := make([]*MessageResponse, 0, len(messages))
	for _, msg := range messages {
		response = append(response, toMessageResponse(msg))
	}

	c.JSON(http.StatusOK, response)
}

// RegisterRoutes registers the message handler routes on a Gin router group.
func (h *MessageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	chats := rg.Group("/chats")
	{
		chats.POST("/:userId/messages", h.Create)
		chats.GET("/:userId/messages", h.List)
	}
}
