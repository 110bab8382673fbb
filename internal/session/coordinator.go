package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

// LateJoinPolicy decides whether a student joining mid-round can hold the round open.
type LateJoinPolicy string

const (
	// LateJoinObserve pushes the question to late joiners without adding them to the pending set.
	LateJoinObserve LateJoinPolicy = "observe"
	// LateJoinCount also adds late joiners to the pending set and the expected count.
	LateJoinCount LateJoinPolicy = "count"
)

// Options tunes the coordinator.
type Options struct {
	DefaultTimeLimit int // seconds
	MaxTimeLimit     int // seconds
	LateJoin         LateJoinPolicy
	PersistTimeout   time.Duration
}

// Deps are the coordinator collaborators. Stores and Sender may be nil.
type Deps struct {
	Questions QuestionStore
	Students  StudentStore
	Chat      ChatStore
	Sender    Sender
	Scheduler Scheduler
	Logger    *zap.Logger
}

// ClosedHandler is called with every closed question, outside the coordinator lock.
type ClosedHandler func(q *models.Question)

// Coordinator owns the in-memory session. A single mutex serializes every
// client request, disconnect and timer expiry so each one is fully processed,
// broadcasts included, before the next.
type Coordinator struct {
	mu         sync.Mutex
	opts       Options
	roster     *Roster
	lifecycle  *Lifecycle
	dispatcher *Dispatcher
	chat       ChatStore
	logger     *zap.Logger
	onClosed   ClosedHandler
	now        func() time.Time
}

// step collects the outcome of one event.
type step struct {
	intents []Intent
	closed  []*models.Question
}

func (s *step) emit(a Audience, event string, payload interface{}) {
	s.intents = append(s.intents, Intent{Audience: a, Event: event, Payload: payload})
}

func (s *step) to(connectionID, event string, payload interface{}) {
	s.intents = append(s.intents, Intent{Audience: ToConnection, Target: connectionID, Event: event, Payload: payload})
}

// New creates a coordinator in the idle state.
func New(opts Options, deps Deps) *Coordinator {
	if opts.DefaultTimeLimit <= 0 {
		opts.DefaultTimeLimit = 60
	}
	if opts.MaxTimeLimit <= 0 {
		opts.MaxTimeLimit = 600
	}
	if opts.LateJoin == "" {
		opts.LateJoin = LateJoinObserve
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	roster := NewRoster(deps.Students, opts.PersistTimeout, logger)
	c := &Coordinator{
		opts:       opts,
		roster:     roster,
		lifecycle:  NewLifecycle(deps.Questions, deps.Scheduler, opts.PersistTimeout, logger),
		dispatcher: NewDispatcher(deps.Sender, roster),
		chat:       deps.Chat,
		logger:     logger,
		now:        time.Now,
	}
	c.lifecycle.onExpire = c.expire
	return c
}

// SetClosedHandler sets the callback for closed questions (e.g. archival).
func (c *Coordinator) SetClosedHandler(fn ClosedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// HandleMessage decodes a realtime event and processes it. A rejected request
// produces one error event to connectionID.
func (c *Coordinator) HandleMessage(ctx context.Context, connectionID, event string, data json.RawMessage) {
	req, err := DecodeRequest(event, data)
	if err == nil {
		_, err = c.Handle(ctx, connectionID, req)
	}
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnknownEvent) {
		c.logger.Debug("unknown event ignored", zap.String("connection_id", connectionID), zap.String("event", event))
		return
	}
	c.logger.Warn("request rejected",
		zap.String("connection_id", connectionID),
		zap.String("event", event),
		zap.Error(err))
	c.mu.Lock()
	c.dispatcher.Deliver([]Intent{{Audience: ToConnection, Target: connectionID, Event: EventError, Payload: errorPayload(err)}})
	c.mu.Unlock()
}

// Handle processes req on behalf of connectionID and returns the request's
// result. An empty connectionID marks a request from the HTTP surface, which
// skips the role checks tied to a live connection.
func (c *Coordinator) Handle(ctx context.Context, connectionID string, req Request) (interface{}, error) {
	c.mu.Lock()
	var (
		st     step
		result interface{}
		err    error
	)
	switch r := req.(type) {
	case TeacherJoin:
		c.teacherJoin(ctx, &st, connectionID)
	case StudentJoin:
		result, err = c.studentJoin(ctx, &st, connectionID, r)
	case CreateQuestion:
		result, err = c.createQuestion(ctx, &st, connectionID, r)
	case SubmitAnswer:
		result, err = c.submitAnswer(ctx, &st, connectionID, r)
	case KickStudent:
		result, err = c.kick(ctx, &st, connectionID, r)
	case ListStudents:
		list := c.roster.Students()
		if connectionID != "" {
			st.to(connectionID, EventStudentsList, list)
		}
		result = list
	case ChatMessage:
		result, err = c.chatMessage(ctx, &st, connectionID, r)
	case CloseQuestion:
		result, err = c.closeQuestion(ctx, &st, connectionID, r)
	case ClientTimeUp:
		c.logger.Debug("client countdown elapsed", zap.String("connection_id", connectionID))
	default:
		err = reject(ErrUnknownEvent, "unsupported request")
	}
	c.finish(&st)
	return result, err
}

// Disconnect removes connectionID from the session.
func (c *Coordinator) Disconnect(ctx context.Context, connectionID string) {
	c.mu.Lock()
	var st step
	c.leave(ctx, &st, connectionID)
	c.finish(&st)
}

// ActiveQuestion returns a copy of the active question, or nil.
func (c *Coordinator) ActiveQuestion() *models.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.Active()
}

// Students returns the live roster in join order.
func (c *Coordinator) Students() []RosterEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.Students()
}

// Phase reports the lifecycle phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.Phase()
}

// finish delivers the step under the lock, releases it, then runs close hooks.
func (c *Coordinator) finish(st *step) {
	c.dispatcher.Deliver(st.intents)
	onClosed := c.onClosed
	c.mu.Unlock()
	if onClosed != nil {
		for _, q := range st.closed {
			onClosed(q)
		}
	}
}

func (c *Coordinator) expire(questionID uuid.UUID) {
	c.mu.Lock()
	var st step
	if q := c.lifecycle.Expire(context.Background(), questionID); q != nil {
		c.roundClosed(&st, q)
	}
	c.finish(&st)
}

func (c *Coordinator) roundClosed(st *step, q *models.Question) {
	st.closed = append(st.closed, q)
	switch q.CloseReason {
	case models.CloseTimeout:
		st.emit(ToEveryone, EventQuestionTimeUp, questionEnded(q))
	case models.CloseTeacherLeft:
		st.emit(ToStudents, EventQuestionEnded, questionEnded(q))
	default:
		st.emit(ToEveryone, EventQuestionEnded, questionEnded(q))
	}
}

func (c *Coordinator) teacherJoin(ctx context.Context, st *step, connectionID string) {
	if c.roster.IsStudent(connectionID) {
		c.leave(ctx, st, connectionID)
	}
	c.roster.RegisterTeacher(connectionID)
	c.logger.Info("teacher joined", zap.String("connection_id", connectionID))

	st.to(connectionID, EventStudentsList, c.roster.Students())
	if q := c.lifecycle.Active(); q != nil {
		st.to(connectionID, EventQuestionCreated, QuestionPush{Question: q, RemainingSeconds: c.lifecycle.RemainingSeconds()})
	}
}

func (c *Coordinator) studentJoin(ctx context.Context, st *step, connectionID string, r StudentJoin) (RosterEntry, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return RosterEntry{}, reject(ErrValidation, "name is required")
	}
	if connectionID == "" {
		return RosterEntry{}, reject(ErrValidation, "socketId is required")
	}
	if c.roster.IsTeacher(connectionID) {
		c.leave(ctx, st, connectionID)
	}
	rejoin := c.roster.IsStudent(connectionID)
	entry := c.roster.RegisterStudent(ctx, connectionID, name)
	c.logger.Info("student joined",
		zap.String("connection_id", connectionID),
		zap.String("name", name),
		zap.Bool("rejoin", rejoin))

	st.emit(ToTeachers, EventStudentJoined, StudentPresence{SocketID: connectionID, Name: name, StudentID: entry.StudentID})
	st.emit(ToEveryone, EventStudentsList, c.roster.Students())

	if c.lifecycle.Active() != nil {
		if c.opts.LateJoin == LateJoinCount && !rejoin {
			c.lifecycle.AddPending(ctx, connectionID)
		}
		st.to(connectionID, EventQuestionNew, QuestionPush{Question: c.lifecycle.Active(), RemainingSeconds: c.lifecycle.RemainingSeconds()})
	}
	return entry, nil
}

func (c *Coordinator) createQuestion(ctx context.Context, st *step, connectionID string, r CreateQuestion) (*models.Question, error) {
	if connectionID != "" && !c.roster.IsTeacher(connectionID) {
		return nil, reject(ErrNotTeacher, "only teachers can create questions")
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return nil, reject(ErrValidation, "question text is required")
	}
	if len(r.Options) < 2 {
		return nil, reject(ErrValidation, "at least 2 options are required")
	}
	options := make([]OptionInput, len(r.Options))
	for i, o := range r.Options {
		o.Text = strings.TrimSpace(o.Text)
		if o.Text == "" {
			return nil, reject(ErrValidation, "option %d text is required", i+1)
		}
		options[i] = o
	}
	limit := r.TimeLimit
	if limit <= 0 {
		limit = c.opts.DefaultTimeLimit
	}
	if limit > c.opts.MaxTimeLimit {
		return nil, reject(ErrValidation, "timeLimit must be at most %d seconds", c.opts.MaxTimeLimit)
	}

	q, err := c.lifecycle.Create(ctx, text, options, limit, c.roster.StudentIDs())
	if err != nil {
		return nil, err
	}
	push := QuestionPush{Question: q, RemainingSeconds: limit}
	st.emit(ToTeachers, EventQuestionCreated, push)
	st.emit(ToStudents, EventQuestionNew, push)
	return q, nil
}

func (c *Coordinator) submitAnswer(ctx context.Context, st *step, connectionID string, r SubmitAnswer) (*models.Question, error) {
	if !c.roster.IsStudent(connectionID) {
		return nil, reject(ErrNotStudent, "only joined students can answer")
	}
	q, closed, err := c.lifecycle.Submit(ctx, connectionID, r.QuestionID, r.OptionIndex)
	if err != nil {
		return nil, err
	}
	c.roster.RecordAnswer(ctx, connectionID, models.Answer{
		QuestionID:  q.ID,
		OptionIndex: r.OptionIndex,
		AnsweredAt:  c.now().UTC(),
	})
	c.logger.Debug("answer accepted",
		zap.String("connection_id", connectionID),
		zap.String("question_id", q.ID.String()),
		zap.Int("option", r.OptionIndex))

	st.emit(ToEveryone, EventResultsUpdate, resultsUpdate(q))
	if closed {
		c.roundClosed(st, q)
	}
	return q, nil
}

func (c *Coordinator) kick(ctx context.Context, st *step, connectionID string, r KickStudent) (RosterEntry, error) {
	if connectionID != "" && !c.roster.IsTeacher(connectionID) {
		return RosterEntry{}, reject(ErrNotTeacher, "only teachers can remove students")
	}
	target := strings.TrimSpace(r.StudentID)
	if target == "" {
		return RosterEntry{}, reject(ErrValidation, "studentId is required")
	}
	entry, ok := c.roster.Kick(ctx, target)
	if !ok {
		return RosterEntry{}, reject(ErrStudentNotFound, "student not found")
	}
	c.logger.Info("student kicked", zap.String("connection_id", target), zap.String("name", entry.Name))

	q := c.lifecycle.RemovePending(ctx, target)
	st.to(target, EventStudentKicked, nil)
	st.emit(ToEveryone, EventStudentsList, c.roster.Students())
	if q != nil {
		c.roundClosed(st, q)
	}
	return entry, nil
}

func (c *Coordinator) chatMessage(ctx context.Context, st *step, connectionID string, r ChatMessage) (*models.ChatMessage, error) {
	sender := strings.TrimSpace(r.Sender)
	text := strings.TrimSpace(r.Message)
	if sender == "" || text == "" {
		return nil, reject(ErrValidation, "sender and message are required")
	}
	if !r.SenderRole.Valid() {
		return nil, reject(ErrValidation, "senderRole must be teacher or student")
	}
	msg := &models.ChatMessage{
		ID:         uuid.New(),
		Sender:     sender,
		SenderRole: r.SenderRole,
		Message:    text,
		SocketID:   connectionID,
		Timestamp:  c.now().UTC(),
	}
	if c.chat != nil {
		pctx, cancel := persistContext(ctx, c.opts.PersistTimeout)
		if err := c.chat.Create(pctx, msg); err != nil {
			c.logger.Warn("persist chat message failed", zap.String("connection_id", connectionID), zap.Error(err))
		}
		cancel()
	}
	st.emit(ToEveryone, EventChatNewMessage, msg)
	return msg, nil
}

func (c *Coordinator) closeQuestion(ctx context.Context, st *step, connectionID string, r CloseQuestion) (*models.Question, error) {
	if connectionID != "" && !c.roster.IsTeacher(connectionID) {
		return nil, reject(ErrNotTeacher, "only teachers can close questions")
	}
	q, err := c.lifecycle.Close(ctx, r.QuestionID)
	if err != nil {
		return nil, err
	}
	c.roundClosed(st, q)
	return q, nil
}

func (c *Coordinator) leave(ctx context.Context, st *step, connectionID string) {
	role, entry, ok := c.roster.RemoveConnection(ctx, connectionID)
	if !ok {
		return
	}
	switch role {
	case models.RoleTeacher:
		c.logger.Info("teacher left",
			zap.String("connection_id", connectionID),
			zap.Int("teachers_remaining", c.roster.TeacherCount()))
		if c.roster.TeacherCount() > 0 {
			return
		}
		if q := c.lifecycle.Abort(ctx); q != nil {
			c.roundClosed(st, q)
			return
		}
		st.emit(ToStudents, EventQuestionEnded, QuestionEnded{TeacherLeft: true})
	case models.RoleStudent:
		c.logger.Info("student left", zap.String("connection_id", connectionID), zap.String("name", entry.Name))
		q := c.lifecycle.RemovePending(ctx, connectionID)
		st.emit(ToTeachers, EventStudentLeft, StudentPresence{SocketID: connectionID, Name: entry.Name, StudentID: entry.StudentID})
		st.emit(ToEveryone, EventStudentsList, c.roster.Students())
		if q != nil {
			c.roundClosed(st, q)
		}
	}
}
