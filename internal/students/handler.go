package students

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/session"
	"github.com/livepoll/backend/pkg/response"
)

// Coordinator is the part of the session the student endpoints drive.
type Coordinator interface {
	Handle(ctx context.Context, connectionID string, req session.Request) (interface{}, error)
	Disconnect(ctx context.Context, connectionID string)
}

// Lister reads persisted students.
type Lister interface {
	ListActive(ctx context.Context) ([]models.Student, error)
}

// RegisterRequest is the body for POST /api/students/register.
type RegisterRequest struct {
	Name     string `json:"name" binding:"required"`
	SocketID string `json:"socketId" binding:"required"`
}

// Handler handles student HTTP endpoints.
type Handler struct {
	coord Coordinator
	repo  Lister
}

// NewHandler creates a students handler.
func NewHandler(coord Coordinator, repo Lister) *Handler {
	return &Handler{coord: coord, repo: repo}
}

// Register mounts the routes on g (e.g. /api/students).
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/register", h.RegisterStudent)
	g.GET("", h.List)
	g.PUT("/:id/kick", h.Kick)
	g.PUT("/:id/disconnect", h.Disconnect)
}

// RegisterStudent handles POST /api/students/register.
func (h *Handler) RegisterStudent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: name and socketId are required")
		return
	}
	entry, err := h.coord.Handle(c.Request.Context(), req.SocketID, session.StudentJoin{Name: req.Name})
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, entry)
}

// List handles GET /api/students.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.ListActive(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to list students")
		return
	}
	if list == nil {
		list = []models.Student{}
	}
	response.OK(c, list)
}

// Kick handles PUT /api/students/:id/kick where id is the socket id.
func (h *Handler) Kick(c *gin.Context) {
	entry, err := h.coord.Handle(c.Request.Context(), "", session.KickStudent{StudentID: c.Param("id")})
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, entry)
}

// Disconnect handles PUT /api/students/:id/disconnect where id is the socket id.
func (h *Handler) Disconnect(c *gin.Context) {
	h.coord.Disconnect(c.Request.Context(), c.Param("id"))
	response.OK(c, gin.H{"socketId": c.Param("id"), "isActive": false})
}

func fail(c *gin.Context, err error) {
	response.Fail(c, session.HTTPStatus(err), err.Error(), session.Details(err))
}
