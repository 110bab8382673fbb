package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

func TestAllAnsweredClosesRound(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2", "s3")
	q := h.create(t, 30, "A", "B")
	timer := h.scheduler.last(t)
	assert.Equal(t, 30*time.Second, timer.d)

	h.do(t, "s1", SubmitAnswer{QuestionID: q.ID, OptionIndex: 0})
	h.do(t, "s2", SubmitAnswer{QuestionID: q.ID, OptionIndex: 0})
	assert.Equal(t, PhaseActive, h.c.Phase())
	h.do(t, "s3", SubmitAnswer{QuestionID: q.ID, OptionIndex: 1})

	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.Nil(t, h.c.ActiveQuestion())
	assert.True(t, timer.stopped)

	ended := h.sender.byEvent(EventQuestionEnded)
	require.Len(t, ended, 1)
	assert.Nil(t, ended[0].To)
	p := ended[0].Payload.(QuestionEnded)
	assert.Equal(t, 3, p.TotalVotes)
	assert.Equal(t, 3, p.ExpectedStudents)
	assert.True(t, p.AllAnswered)
	assert.Equal(t, models.CloseAnswered, p.Reason)
	require.Len(t, p.Results, 2)
	assert.Equal(t, 2, p.Results[0].Votes)
	assert.Equal(t, 67, p.Results[0].Percentage)
	assert.Equal(t, 1, p.Results[1].Votes)
	assert.Equal(t, 33, p.Results[1].Percentage)

	assert.Len(t, h.sender.byEvent(EventResultsUpdate), 3)
	assert.Empty(t, h.sender.byEvent(EventQuestionTimeUp))

	stored := h.questions.get(q.ID.String())
	require.NotNil(t, stored)
	assert.False(t, stored.IsActive)
	assert.NotNil(t, stored.EndedAt)

	// a late timer firing changes nothing
	timer.Fire()
	assert.Empty(t, h.sender.byEvent(EventQuestionTimeUp))
	assert.Len(t, h.sender.byEvent(EventQuestionEnded), 1)
}

func TestTimeoutClosesWithPartialVotes(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2", "s3")
	q := h.create(t, 30, "A", "B")
	h.do(t, "s2", SubmitAnswer{OptionIndex: 1})

	h.scheduler.last(t).Fire()

	assert.Equal(t, PhaseIdle, h.c.Phase())
	timeup := h.sender.byEvent(EventQuestionTimeUp)
	require.Len(t, timeup, 1)
	p := timeup[0].Payload.(QuestionEnded)
	assert.Equal(t, q.ID, *p.QuestionID)
	assert.Equal(t, 1, p.TotalVotes)
	assert.Equal(t, 3, p.ExpectedStudents)
	assert.True(t, p.AllAnswered)
	assert.Equal(t, models.CloseTimeout, p.Reason)
	assert.Equal(t, 0, p.Results[0].Percentage)
	assert.Equal(t, 100, p.Results[1].Percentage)

	// voting after the round is over is rejected
	_, err := h.c.Handle(context.Background(), "s1", SubmitAnswer{QuestionID: q.ID, OptionIndex: 0})
	assert.ErrorIs(t, err, ErrNoActiveQuestion)
}

func TestTeacherLeavingAbortsRound(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")
	h.do(t, "t2", TeacherJoin{})
	q := h.create(t, 30, "A", "B")
	timer := h.scheduler.last(t)

	h.c.Disconnect(context.Background(), "t1")
	assert.Equal(t, PhaseActive, h.c.Phase(), "another teacher is still connected")

	h.sender.reset()
	h.c.Disconnect(context.Background(), "t2")
	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.True(t, timer.stopped)

	ended := h.sender.byEvent(EventQuestionEnded)
	require.Len(t, ended, 1)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ended[0].To)
	p := ended[0].Payload.(QuestionEnded)
	assert.True(t, p.TeacherLeft)
	assert.Equal(t, models.CloseTeacherLeft, p.Reason)
	assert.True(t, h.questions.get(q.ID.String()).SessionAborted)

	h.do(t, "t3", TeacherJoin{})
	_, err := h.c.Handle(context.Background(), "t3", CreateQuestion{Text: "Again?", Options: []OptionInput{{Text: "y"}, {Text: "n"}}})
	assert.NoError(t, err)
	assert.Equal(t, PhaseActive, h.c.Phase())
}

func TestTeacherLeavingIdleSessionNotifiesStudents(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1")
	h.sender.reset()

	h.c.Disconnect(context.Background(), "t1")

	ended := h.sender.byEvent(EventQuestionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, []string{"s1"}, ended[0].To)
	p := ended[0].Payload.(QuestionEnded)
	assert.True(t, p.TeacherLeft)
	assert.Nil(t, p.QuestionID)
}

func TestKickKeepsCastVote(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2", "s3")
	h.create(t, 30, "A", "B")
	h.do(t, "s1", SubmitAnswer{OptionIndex: 0})

	h.do(t, "t1", KickStudent{StudentID: "s1"})

	q := h.c.ActiveQuestion()
	require.NotNil(t, q)
	assert.Equal(t, 1, q.TotalVotes)
	assert.Equal(t, 1, q.Options[0].Votes)
	assert.Equal(t, []string{EventStudentKicked, EventStudentsList}, lastEvents(h.sender.receivedBy("s1"), 2))
	assert.True(t, h.students.get("s1").IsKicked)
	assert.False(t, h.students.get("s1").IsActive)

	_, err := h.c.Handle(context.Background(), "s1", SubmitAnswer{OptionIndex: 1})
	assert.ErrorIs(t, err, ErrNotStudent)
}

func TestKickDrainsPending(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")
	h.create(t, 30, "A", "B")
	h.do(t, "s1", SubmitAnswer{OptionIndex: 0})

	h.do(t, "t1", KickStudent{StudentID: "s2"})

	assert.Equal(t, PhaseIdle, h.c.Phase())
	ended := h.sender.byEvent(EventQuestionEnded)
	require.Len(t, ended, 1)
	p := ended[0].Payload.(QuestionEnded)
	assert.Equal(t, 1, p.TotalVotes)
	assert.Equal(t, 2, p.ExpectedStudents)
	assert.Equal(t, models.CloseAnswered, p.Reason)

	// kick notice before the roster update
	assert.Equal(t, []string{EventStudentKicked, EventStudentsList, EventQuestionEnded}, lastEvents(h.sender.receivedBy("s2"), 3))
}

func TestKickRequiresTeacherAndKnownStudent(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")

	_, err := h.c.Handle(context.Background(), "s2", KickStudent{StudentID: "s1"})
	assert.ErrorIs(t, err, ErrNotTeacher)

	_, err = h.c.Handle(context.Background(), "t1", KickStudent{StudentID: "nobody"})
	assert.ErrorIs(t, err, ErrStudentNotFound)

	assert.Len(t, h.c.Students(), 2)
}

func TestStudentDisconnectDrainsPending(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")
	h.create(t, 30, "A", "B")
	h.do(t, "s1", SubmitAnswer{OptionIndex: 1})

	h.c.Disconnect(context.Background(), "s2")

	assert.Equal(t, PhaseIdle, h.c.Phase())
	require.Len(t, h.sender.byEvent(EventQuestionEnded), 1)
	left := h.sender.byEvent(EventStudentLeft)
	require.Len(t, left, 1)
	assert.Equal(t, []string{"t1"}, left[0].To)
	assert.Equal(t, "name-s2", left[0].Payload.(StudentPresence).Name)
	assert.False(t, h.students.get("s2").IsActive)
}

func TestDuplicateVoteRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")
	q := h.create(t, 30, "A", "B", "C")

	h.do(t, "s1", SubmitAnswer{QuestionID: q.ID, OptionIndex: 0})
	_, err := h.c.Handle(context.Background(), "s1", SubmitAnswer{QuestionID: q.ID, OptionIndex: 2})
	assert.ErrorIs(t, err, ErrAlreadyVoted)

	active := h.c.ActiveQuestion()
	assert.Equal(t, 1, active.TotalVotes)
	assert.Equal(t, 0, active.Options[2].Votes)
	assert.Equal(t, PhaseActive, h.c.Phase())
}

func TestInvalidVotes(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1")

	_, err := h.c.Handle(context.Background(), "s1", SubmitAnswer{OptionIndex: 0})
	assert.ErrorIs(t, err, ErrNoActiveQuestion)

	h.create(t, 30, "A", "B")
	_, err = h.c.Handle(context.Background(), "s1", SubmitAnswer{OptionIndex: 2})
	assert.ErrorIs(t, err, ErrInvalidOption)
	_, err = h.c.Handle(context.Background(), "s1", SubmitAnswer{OptionIndex: -1})
	assert.ErrorIs(t, err, ErrInvalidOption)
	_, err = h.c.Handle(context.Background(), "s1", SubmitAnswer{QuestionID: uuid.New(), OptionIndex: 0})
	assert.ErrorIs(t, err, ErrNoActiveQuestion)
	_, err = h.c.Handle(context.Background(), "t1", SubmitAnswer{OptionIndex: 0})
	assert.ErrorIs(t, err, ErrNotStudent)
	assert.Equal(t, 0, h.c.ActiveQuestion().TotalVotes)
}

func TestCreateRejections(t *testing.T) {
	h := newHarness(t, Options{})
	h.do(t, "t1", TeacherJoin{})

	_, err := h.c.Handle(context.Background(), "t1", CreateQuestion{Text: "Q", Options: []OptionInput{{Text: "a"}, {Text: "b"}}})
	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.ErrorIs(t, err, ErrNoStudents)
	assert.True(t, re.NoStudents)
	assert.Equal(t, PhaseIdle, h.c.Phase())

	h.do(t, "s1", StudentJoin{Name: "Ann"})
	h.do(t, "s2", StudentJoin{Name: "Bob"})

	cases := []struct {
		name string
		conn string
		req  CreateQuestion
		err  error
	}{
		{"student", "s1", CreateQuestion{Text: "Q", Options: []OptionInput{{Text: "a"}, {Text: "b"}}}, ErrNotTeacher},
		{"no text", "t1", CreateQuestion{Text: "  ", Options: []OptionInput{{Text: "a"}, {Text: "b"}}}, ErrValidation},
		{"one option", "t1", CreateQuestion{Text: "Q", Options: []OptionInput{{Text: "a"}}}, ErrValidation},
		{"blank option", "t1", CreateQuestion{Text: "Q", Options: []OptionInput{{Text: "a"}, {Text: ""}}}, ErrValidation},
		{"too long", "t1", CreateQuestion{Text: "Q", Options: []OptionInput{{Text: "a"}, {Text: "b"}}, TimeLimit: 601}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.c.Handle(context.Background(), tc.conn, tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.Equal(t, PhaseIdle, h.c.Phase())

	first := h.create(t, 0, "A", "B")
	assert.Equal(t, 60, first.TimeLimitSeconds)
	h.do(t, "s1", SubmitAnswer{OptionIndex: 0})

	_, err = h.c.Handle(context.Background(), "t1", CreateQuestion{Text: "Q2", Options: []OptionInput{{Text: "a"}, {Text: "b"}}})
	require.True(t, errors.As(err, &re))
	assert.ErrorIs(t, err, ErrQuestionActive)
	require.NotNil(t, re.RemainingStudents)
	assert.Equal(t, 1, *re.RemainingStudents)
	assert.Equal(t, first.ID, h.c.ActiveQuestion().ID)
	assert.Equal(t, 1, h.c.ActiveQuestion().TotalVotes)
}

func TestQuestionAudiences(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")
	h.sender.reset()
	h.create(t, 45, "A", "B")

	created := h.sender.byEvent(EventQuestionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, []string{"t1"}, created[0].To)

	pushed := h.sender.byEvent(EventQuestionNew)
	require.Len(t, pushed, 1)
	assert.Equal(t, []string{"s1", "s2"}, pushed[0].To)
	assert.Equal(t, 45, pushed[0].Payload.(QuestionPush).RemainingSeconds)
}

func TestTeacherJoinGetsSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")
	h.create(t, 30, "A", "B")
	h.do(t, "s1", SubmitAnswer{OptionIndex: 1})
	h.sender.reset()

	h.do(t, "t2", TeacherJoin{})

	assert.Equal(t, []string{EventStudentsList, EventQuestionCreated}, h.sender.receivedBy("t2"))
	list := h.sender.byEvent(EventStudentsList)[0].Payload.([]RosterEntry)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].ConnectionID)
	live := h.sender.byEvent(EventQuestionCreated)[0].Payload.(QuestionPush)
	assert.Equal(t, 1, live.TotalVotes)
}

func TestLateJoinObserve(t *testing.T) {
	h := newHarness(t, Options{LateJoin: LateJoinObserve})
	h.classroom(t, "s1")
	h.create(t, 30, "A", "B")
	h.sender.reset()

	h.do(t, "s2", StudentJoin{Name: "Late"})
	assert.Contains(t, h.sender.receivedBy("s2"), EventQuestionNew)
	assert.Equal(t, 1, h.c.ActiveQuestion().ExpectedRespondents)

	// the late joiner may still vote; the round closes as soon as s1 answers
	h.do(t, "s2", SubmitAnswer{OptionIndex: 0})
	assert.Equal(t, PhaseActive, h.c.Phase())
	h.do(t, "s1", SubmitAnswer{OptionIndex: 1})
	assert.Equal(t, PhaseIdle, h.c.Phase())
}

func TestLateJoinCount(t *testing.T) {
	h := newHarness(t, Options{LateJoin: LateJoinCount})
	h.classroom(t, "s1")
	h.create(t, 30, "A", "B")

	h.do(t, "s2", StudentJoin{Name: "Late"})
	assert.Equal(t, 2, h.c.ActiveQuestion().ExpectedRespondents)

	h.do(t, "s1", SubmitAnswer{OptionIndex: 1})
	assert.Equal(t, PhaseActive, h.c.Phase())
	h.do(t, "s2", SubmitAnswer{OptionIndex: 0})
	assert.Equal(t, PhaseIdle, h.c.Phase())
}

func TestStaleTimerDoesNotCloseNextRound(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1")
	h.create(t, 30, "A", "B")
	first := h.scheduler.last(t)
	h.do(t, "s1", SubmitAnswer{OptionIndex: 0})

	second := h.create(t, 30, "C", "D")
	first.Fire()

	assert.Equal(t, PhaseActive, h.c.Phase())
	assert.Equal(t, second.ID, h.c.ActiveQuestion().ID)
	assert.Empty(t, h.sender.byEvent(EventQuestionTimeUp))
}

func TestManualClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")
	q := h.create(t, 30, "A", "B")
	timer := h.scheduler.last(t)

	_, err := h.c.Handle(context.Background(), "s1", CloseQuestion{QuestionID: q.ID})
	assert.ErrorIs(t, err, ErrNotTeacher)

	res := h.do(t, "t1", CloseQuestion{QuestionID: q.ID})
	closed := res.(*models.Question)
	assert.False(t, closed.AllAnswered)
	assert.Equal(t, models.CloseManual, closed.CloseReason)
	assert.True(t, timer.stopped)
	assert.Equal(t, PhaseIdle, h.c.Phase())

	_, err = h.c.Handle(context.Background(), "t1", CloseQuestion{QuestionID: q.ID})
	assert.ErrorIs(t, err, ErrNoActiveQuestion)
}

func TestClientTimeUpIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1")
	h.create(t, 30, "A", "B")

	h.c.HandleMessage(context.Background(), "s1", EventClientTimeUp, nil)

	assert.Equal(t, PhaseActive, h.c.Phase())
	assert.Empty(t, h.sender.byEvent(EventError))
}

func TestHandleMessageErrorGoesToOriginOnly(t *testing.T) {
	h := newHarness(t, Options{})
	h.do(t, "t1", TeacherJoin{})
	h.sender.reset()

	h.c.HandleMessage(context.Background(), "t1", EventQuestionCreate,
		json.RawMessage(`{"questionText":"Q","options":["a",{"text":"b","isCorrect":true}],"timeLimit":10}`))

	errs := h.sender.byEvent(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{"t1"}, errs[0].To)
	p := errs[0].Payload.(ErrorPayload)
	assert.True(t, p.NoStudents)
	assert.Equal(t, "no students connected", p.Message)

	h.c.HandleMessage(context.Background(), "t1", "nonsense", nil)
	assert.Len(t, h.sender.byEvent(EventError), 1)
}

func TestHandleMessageFullRound(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.c.HandleMessage(ctx, "t1", EventTeacherJoin, nil)
	h.c.HandleMessage(ctx, "s1", EventStudentJoin, json.RawMessage(`{"name":"Ann"}`))
	h.c.HandleMessage(ctx, "t1", EventQuestionCreate,
		json.RawMessage(`{"questionText":"Q","options":["a",{"text":"b","isCorrect":true}]}`))
	q := h.c.ActiveQuestion()
	require.NotNil(t, q)
	assert.True(t, q.Options[1].IsCorrect)

	h.c.HandleMessage(ctx, "s1", EventAnswerSubmit, json.RawMessage(`{"questionId":"`+q.ID.String()+`","optionIndex":1}`))

	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.Empty(t, h.sender.byEvent(EventError))
	st := h.students.get("s1")
	require.NotNil(t, st.CurrentAnswer)
	assert.Equal(t, q.ID, st.CurrentAnswer.QuestionID)
	assert.Equal(t, 1, st.CurrentAnswer.OptionIndex)
}

func TestChatBroadcastsWhenStoreFails(t *testing.T) {
	chat := new(mockChatStore)
	chat.On("Create", mock.Anything, mock.AnythingOfType("*models.ChatMessage")).Return(errors.New("db down"))
	sender := &recordingSender{}
	c := New(Options{PersistTimeout: time.Second}, Deps{Chat: chat, Sender: sender, Logger: zap.NewNop()})

	res, err := c.Handle(context.Background(), "s1", ChatMessage{Sender: "Ann", SenderRole: models.RoleStudent, Message: " hi "})
	require.NoError(t, err)
	msg := res.(*models.ChatMessage)
	assert.Equal(t, "hi", msg.Message)

	out := sender.byEvent(EventChatNewMessage)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].To)
	chat.AssertExpectations(t)

	_, err = c.Handle(context.Background(), "s1", ChatMessage{Sender: "Ann", SenderRole: "admin", Message: "hi"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.Handle(context.Background(), "s1", ChatMessage{Sender: "Ann", SenderRole: models.RoleStudent})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestQuestionStoreFailureDoesNotBlockRound(t *testing.T) {
	store := new(mockQuestionStore)
	store.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))
	store.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down"))
	sender := &recordingSender{}
	c := New(Options{}, Deps{Questions: store, Sender: sender, Scheduler: &manualScheduler{}, Logger: zap.NewNop()})
	ctx := context.Background()

	_, err := c.Handle(ctx, "t1", TeacherJoin{})
	require.NoError(t, err)
	_, err = c.Handle(ctx, "s1", StudentJoin{Name: "Ann"})
	require.NoError(t, err)
	_, err = c.Handle(ctx, "t1", CreateQuestion{Text: "Q", Options: []OptionInput{{Text: "a"}, {Text: "b"}}})
	require.NoError(t, err)
	_, err = c.Handle(ctx, "s1", SubmitAnswer{OptionIndex: 0})
	require.NoError(t, err)

	assert.Equal(t, PhaseIdle, c.Phase())
	assert.Len(t, sender.byEvent(EventQuestionEnded), 1)
	store.AssertCalled(t, "Create", mock.Anything, mock.Anything)
	store.AssertCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestClosedHandlerRunsOncePerRound(t *testing.T) {
	h := newHarness(t, Options{})
	var closed []*models.Question
	h.c.SetClosedHandler(func(q *models.Question) { closed = append(closed, q) })
	h.classroom(t, "s1")

	h.create(t, 30, "A", "B")
	timer := h.scheduler.last(t)
	h.do(t, "s1", SubmitAnswer{OptionIndex: 0})
	timer.Fire()
	h.create(t, 30, "A", "B")
	h.scheduler.last(t).Fire()

	require.Len(t, closed, 2)
	assert.Equal(t, models.CloseAnswered, closed[0].CloseReason)
	assert.Equal(t, models.CloseTimeout, closed[1].CloseReason)
}

func TestRoleSwitchLeavesPreviousRole(t *testing.T) {
	h := newHarness(t, Options{})
	h.classroom(t, "s1", "s2")
	h.create(t, 30, "A", "B")
	h.do(t, "s1", SubmitAnswer{OptionIndex: 0})

	// s2 rejoins as a teacher; it is no longer pending so the round drains
	h.do(t, "s2", TeacherJoin{})
	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.Len(t, h.c.Students(), 1)
}

func lastEvents(events []string, n int) []string {
	if len(events) < n {
		return events
	}
	return events[len(events)-n:]
}

type mockChatStore struct{ mock.Mock }

func (m *mockChatStore) Create(ctx context.Context, msg *models.ChatMessage) error {
	return m.Called(ctx, msg).Error(0)
}

type mockQuestionStore struct{ mock.Mock }

func (m *mockQuestionStore) Create(ctx context.Context, q *models.Question) error {
	return m.Called(ctx, q).Error(0)
}

func (m *mockQuestionStore) Save(ctx context.Context, q *models.Question) error {
	return m.Called(ctx, q).Error(0)
}
