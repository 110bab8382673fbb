package chat

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/session"
	"github.com/livepoll/backend/pkg/response"
)

const maxHistoryLimit = 500

// Coordinator broadcasts chat messages to live connections.
type Coordinator interface {
	Handle(ctx context.Context, connectionID string, req session.Request) (interface{}, error)
}

// Store reads and clears persisted chat.
type Store interface {
	History(ctx context.Context, limit int) ([]models.ChatMessage, error)
	Clear(ctx context.Context) (int64, error)
}

// SendRequest is the body for POST /api/chat/send.
type SendRequest struct {
	Sender     string      `json:"sender" binding:"required"`
	SenderRole models.Role `json:"senderRole" binding:"required"`
	Message    string      `json:"message" binding:"required"`
	SocketID   string      `json:"socketId"`
}

// Handler handles chat HTTP endpoints.
type Handler struct {
	coord        Coordinator
	store        Store
	historyLimit int
}

// NewHandler creates a chat handler. historyLimit is the default page size.
func NewHandler(coord Coordinator, store Store, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Handler{coord: coord, store: store, historyLimit: historyLimit}
}

// Register mounts the routes on g (e.g. /api/chat).
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/send", h.Send)
	g.GET("/history", h.History)
	g.DELETE("/clear", h.Clear)
}

// Send handles POST /api/chat/send. The message is stored and broadcast like a realtime one.
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: sender, senderRole and message are required")
		return
	}
	msg, err := h.coord.Handle(c.Request.Context(), req.SocketID, session.ChatMessage{
		Sender:     req.Sender,
		SenderRole: req.SenderRole,
		Message:    req.Message,
	})
	if err != nil {
		response.Fail(c, session.HTTPStatus(err), err.Error(), nil)
		return
	}
	response.Created(c, msg)
}

// History handles GET /api/chat/history?limit=N.
func (h *Handler) History(c *gin.Context) {
	limit := h.historyLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	list, err := h.store.History(c.Request.Context(), limit)
	if err != nil {
		response.Internal(c, "failed to load chat history")
		return
	}
	if list == nil {
		list = []models.ChatMessage{}
	}
	response.OK(c, list)
}

// Clear handles DELETE /api/chat/clear.
func (h *Handler) Clear(c *gin.Context) {
	n, err := h.store.Clear(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to clear chat")
		return
	}
	response.OK(c, gin.H{"deleted": n})
}
