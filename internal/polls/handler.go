package polls

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/session"
	"github.com/livepoll/backend/pkg/response"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Coordinator is the part of the session the REST surface drives.
type Coordinator interface {
	Handle(ctx context.Context, connectionID string, req session.Request) (interface{}, error)
	ActiveQuestion() *models.Question
}

// Reader loads persisted questions.
type Reader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Question, error)
	History(ctx context.Context, limit int) ([]models.Question, error)
}

// AnswerRequest is the body for POST /api/questions/answer.
type AnswerRequest struct {
	QuestionID  string `json:"questionId"`
	OptionIndex *int   `json:"optionIndex" binding:"required"`
	StudentID   string `json:"studentId" binding:"required"`
}

// ResultsResponse is the body of GET /api/questions/:id/results.
type ResultsResponse struct {
	QuestionID       uuid.UUID             `json:"questionId"`
	QuestionText     string                `json:"questionText"`
	Options          []models.OptionResult `json:"options"`
	TotalVotes       int                   `json:"totalVotes"`
	ExpectedStudents int                   `json:"expectedStudents"`
	AllAnswered      bool                  `json:"allStudentsAnswered"`
	IsActive         bool                  `json:"isActive"`
	CloseReason      models.CloseReason    `json:"closeReason,omitempty"`
}

// Handler handles question HTTP endpoints.
type Handler struct {
	coord Coordinator
	repo  Reader
}

// NewHandler creates a questions handler.
func NewHandler(coord Coordinator, repo Reader) *Handler {
	return &Handler{coord: coord, repo: repo}
}

// Register mounts the routes on g (e.g. /api/questions).
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("", h.Create)
	g.GET("/active", h.Active)
	g.POST("/answer", h.Answer)
	g.GET("/history", h.History)
	g.GET("/:id/results", h.Results)
	g.PUT("/:id/close", h.Close)
}

// Create handles POST /api/questions.
func (h *Handler) Create(c *gin.Context) {
	var req session.CreateQuestion
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	q, err := h.coord.Handle(c.Request.Context(), "", req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, q)
}

// Active handles GET /api/questions/active. Data is omitted when no question is open.
func (h *Handler) Active(c *gin.Context) {
	q := h.coord.ActiveQuestion()
	if q == nil {
		response.OK(c, nil)
		return
	}
	response.OK(c, q)
}

// Answer handles POST /api/questions/answer.
func (h *Handler) Answer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: studentId and optionIndex are required")
		return
	}
	qid, err := session.ParseQuestionID(req.QuestionID)
	if err != nil {
		fail(c, err)
		return
	}
	q, err := h.coord.Handle(c.Request.Context(), req.StudentID, session.SubmitAnswer{QuestionID: qid, OptionIndex: *req.OptionIndex})
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, q)
}

// Results handles GET /api/questions/:id/results.
func (h *Handler) Results(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid question id")
		return
	}
	q := h.coord.ActiveQuestion()
	if q == nil || q.ID != id {
		q, err = h.repo.GetByID(c.Request.Context(), id)
		if err != nil {
			response.Internal(c, "failed to load question")
			return
		}
	}
	if q == nil {
		response.NotFound(c, "question not found")
		return
	}
	response.OK(c, ResultsResponse{
		QuestionID:       q.ID,
		QuestionText:     q.Text,
		Options:          q.Results(),
		TotalVotes:       q.TotalVotes,
		ExpectedStudents: q.ExpectedRespondents,
		AllAnswered:      q.AllAnswered,
		IsActive:         q.IsActive,
		CloseReason:      q.CloseReason,
	})
}

// History handles GET /api/questions/history?limit=N.
func (h *Handler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	list, err := h.repo.History(c.Request.Context(), limit)
	if err != nil {
		response.Internal(c, "failed to load history")
		return
	}
	if list == nil {
		list = []models.Question{}
	}
	response.OK(c, list)
}

// Close handles PUT /api/questions/:id/close.
func (h *Handler) Close(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid question id")
		return
	}
	q, err := h.coord.Handle(c.Request.Context(), "", session.CloseQuestion{QuestionID: id})
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, q)
}

func fail(c *gin.Context, err error) {
	response.Fail(c, session.HTTPStatus(err), err.Error(), session.Details(err))
}
