package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

// Phase is the question lifecycle state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseActive   Phase = "active"
	PhaseDraining Phase = "draining"
	PhaseTimedOut Phase = "timed_out"
	PhaseClosed   Phase = "closed"
)

// Lifecycle owns the single active question, its pending respondents and its
// countdown. Like Roster it relies on the Coordinator for serialization.
type Lifecycle struct {
	store     QuestionStore
	scheduler Scheduler
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	// onExpire is invoked from the timer goroutine.
	onExpire func(questionID uuid.UUID)

	phase    Phase
	active   *models.Question
	pending  map[string]struct{}
	timer    Timer
	deadline time.Time
}

// NewLifecycle creates an idle lifecycle. store may be nil.
func NewLifecycle(store QuestionStore, scheduler Scheduler, timeout time.Duration, logger *zap.Logger) *Lifecycle {
	if scheduler == nil {
		scheduler = ClockScheduler()
	}
	return &Lifecycle{
		store:     store,
		scheduler: scheduler,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
		phase:     PhaseIdle,
		pending:   make(map[string]struct{}),
	}
}

func (l *Lifecycle) Phase() Phase { return l.phase }

// Active returns a copy of the active question, or nil.
func (l *Lifecycle) Active() *models.Question {
	if l.active == nil {
		return nil
	}
	return l.active.Clone()
}

func (l *Lifecycle) PendingCount() int { return len(l.pending) }

func (l *Lifecycle) IsPending(connectionID string) bool {
	_, ok := l.pending[connectionID]
	return ok
}

// RemainingSeconds is the whole seconds left on the countdown, rounded up.
func (l *Lifecycle) RemainingSeconds() int {
	if l.active == nil {
		return 0
	}
	left := l.deadline.Sub(l.now())
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// Create starts a new round addressed to respondents.
func (l *Lifecycle) Create(ctx context.Context, text string, options []OptionInput, timeLimit int, respondents []string) (*models.Question, error) {
	if l.active != nil {
		remaining := len(l.pending)
		return nil, &RequestError{
			Err:               ErrQuestionActive,
			Message:           "a question is already active, wait until all students have answered",
			RemainingStudents: &remaining,
		}
	}
	if len(respondents) == 0 {
		return nil, &RequestError{Err: ErrNoStudents, Message: "no students connected", NoStudents: true}
	}

	q := &models.Question{
		ID:                  uuid.New(),
		Text:                text,
		Options:             make([]models.Option, len(options)),
		TimeLimitSeconds:    timeLimit,
		ExpectedRespondents: len(respondents),
		IsActive:            true,
		CreatedAt:           l.now().UTC(),
	}
	for i, o := range options {
		q.Options[i] = models.Option{Text: o.Text, IsCorrect: o.IsCorrect, VotedBy: []string{}}
	}
	l.pending = make(map[string]struct{}, len(respondents))
	for _, id := range respondents {
		l.pending[id] = struct{}{}
	}
	l.active = q
	l.phase = PhaseActive
	l.create(ctx, q)

	d := time.Duration(timeLimit) * time.Second
	l.deadline = l.now().Add(d)
	id := q.ID
	l.timer = l.scheduler.AfterFunc(d, func() {
		if l.onExpire != nil {
			l.onExpire(id)
		}
	})

	l.logger.Info("question started",
		zap.String("question_id", id.String()),
		zap.Int("options", len(options)),
		zap.Int("expected_respondents", q.ExpectedRespondents),
		zap.Int("time_limit_sec", timeLimit))
	return q.Clone(), nil
}

// Submit applies a vote. closed is true when the vote drained the pending set.
// questionID may be uuid.Nil to mean the active question.
func (l *Lifecycle) Submit(ctx context.Context, connectionID string, questionID uuid.UUID, optionIndex int) (q *models.Question, closed bool, err error) {
	if l.active == nil || (questionID != uuid.Nil && questionID != l.active.ID) {
		return nil, false, reject(ErrNoActiveQuestion, "question not active")
	}
	if optionIndex < 0 || optionIndex >= len(l.active.Options) {
		return nil, false, reject(ErrInvalidOption, "invalid option")
	}
	if l.active.HasVoted(connectionID) {
		return nil, false, reject(ErrAlreadyVoted, "already voted")
	}

	opt := &l.active.Options[optionIndex]
	opt.Votes++
	opt.VotedBy = append(opt.VotedBy, connectionID)
	delete(l.pending, connectionID)
	recomputePercentages(l.active)

	if len(l.pending) == 0 {
		return l.finish(ctx, models.CloseAnswered), true, nil
	}
	l.save(ctx, l.active)
	return l.active.Clone(), false, nil
}

// AddPending adds a late joiner to the pending set and the expected count.
func (l *Lifecycle) AddPending(ctx context.Context, connectionID string) {
	if l.active == nil || l.IsPending(connectionID) || l.active.HasVoted(connectionID) {
		return
	}
	l.pending[connectionID] = struct{}{}
	l.active.ExpectedRespondents++
	l.save(ctx, l.active)
}

// RemovePending drops a respondent that left or was kicked. It returns the
// closed question when that emptied the pending set.
func (l *Lifecycle) RemovePending(ctx context.Context, connectionID string) *models.Question {
	if l.active == nil || !l.IsPending(connectionID) {
		return nil
	}
	delete(l.pending, connectionID)
	if len(l.pending) == 0 {
		return l.finish(ctx, models.CloseAnswered)
	}
	return nil
}

// Expire closes the round on countdown expiry. A stale timer for a question
// that is no longer current is ignored.
func (l *Lifecycle) Expire(ctx context.Context, questionID uuid.UUID) *models.Question {
	if l.active == nil || l.active.ID != questionID {
		l.logger.Debug("stale question timer ignored", zap.String("question_id", questionID.String()))
		return nil
	}
	return l.finish(ctx, models.CloseTimeout)
}

// Abort closes the round because no teacher remains.
func (l *Lifecycle) Abort(ctx context.Context) *models.Question {
	if l.active == nil {
		return nil
	}
	l.active.SessionAborted = true
	return l.finish(ctx, models.CloseTeacherLeft)
}

// Close ends the round on a teacher's request.
func (l *Lifecycle) Close(ctx context.Context, questionID uuid.UUID) (*models.Question, error) {
	if l.active == nil || (questionID != uuid.Nil && questionID != l.active.ID) {
		return nil, reject(ErrNoActiveQuestion, "question not active")
	}
	return l.finish(ctx, models.CloseManual), nil
}

func (l *Lifecycle) finish(ctx context.Context, reason models.CloseReason) *models.Question {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	switch reason {
	case models.CloseTimeout, models.CloseTeacherLeft:
		l.phase = PhaseTimedOut
	default:
		l.phase = PhaseDraining
	}

	q := l.active
	ended := l.now().UTC()
	q.IsActive = false
	q.EndedAt = &ended
	q.CloseReason = reason
	q.AllAnswered = reason != models.CloseManual
	recomputePercentages(q)
	l.save(ctx, q)

	l.phase = PhaseClosed
	l.logger.Info("question closed",
		zap.String("question_id", q.ID.String()),
		zap.String("reason", string(reason)),
		zap.Int("total_votes", q.TotalVotes),
		zap.Int("expected_respondents", q.ExpectedRespondents))

	l.active = nil
	l.pending = make(map[string]struct{})
	l.deadline = time.Time{}
	l.phase = PhaseIdle
	return q.Clone()
}

func (l *Lifecycle) create(ctx context.Context, q *models.Question) {
	if l.store == nil {
		return
	}
	pctx, cancel := persistContext(ctx, l.timeout)
	defer cancel()
	if err := l.store.Create(pctx, q.Clone()); err != nil {
		l.logger.Warn("persist question failed", zap.String("question_id", q.ID.String()), zap.Error(err))
	}
}

func (l *Lifecycle) save(ctx context.Context, q *models.Question) {
	if l.store == nil {
		return
	}
	pctx, cancel := persistContext(ctx, l.timeout)
	defer cancel()
	if err := l.store.Save(pctx, q.Clone()); err != nil {
		l.logger.Warn("update question failed", zap.String("question_id", q.ID.String()), zap.Error(err))
	}
}
