package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Fire runs the callback as an expiring runtime timer would. It fires even a
// stopped timer, which is what a Stop racing with expiry looks like.
func (t *manualTimer) Fire() {
	t.fired = true
	t.f()
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) last(t *testing.T) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.timers, "no timer armed")
	return s.timers[len(s.timers)-1]
}

type sent struct {
	To      []string // nil for a broadcast
	Event   string
	Payload interface{}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recordingSender) Send(ids []string, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{To: append([]string(nil), ids...), Event: event, Payload: payload})
}

func (r *recordingSender) Broadcast(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{Event: event, Payload: payload})
}

func (r *recordingSender) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

func (r *recordingSender) byEvent(event string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, m := range r.msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// receivedBy lists the events connectionID would observe, broadcasts included, in order.
func (r *recordingSender) receivedBy(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.To == nil {
			out = append(out, m.Event)
			continue
		}
		for _, id := range m.To {
			if id == connectionID {
				out = append(out, m.Event)
				break
			}
		}
	}
	return out
}

type memQuestions struct {
	mu    sync.Mutex
	saved map[string]*models.Question
	saves int
}

func newMemQuestions() *memQuestions {
	return &memQuestions{saved: make(map[string]*models.Question)}
}

func (m *memQuestions) Create(_ context.Context, q *models.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[q.ID.String()] = q
	return nil
}

func (m *memQuestions) Save(_ context.Context, q *models.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[q.ID.String()] = q
	m.saves++
	return nil
}

func (m *memQuestions) get(id string) *models.Question {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id]
}

type memStudents struct {
	mu       sync.Mutex
	students map[string]*models.Student
}

func newMemStudents() *memStudents {
	return &memStudents{students: make(map[string]*models.Student)}
}

func (m *memStudents) Upsert(_ context.Context, socketID, name string) (*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[socketID]
	if !ok {
		s = &models.Student{SocketID: socketID, JoinedAt: time.Now()}
		m.students[socketID] = s
	}
	s.Name = name
	s.IsActive = true
	s.IsKicked = false
	return s, nil
}

func (m *memStudents) MarkInactive(_ context.Context, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[socketID]; ok {
		s.IsActive = false
	}
	return nil
}

func (m *memStudents) MarkKicked(_ context.Context, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[socketID]; ok {
		s.IsActive = false
		s.IsKicked = true
	}
	return nil
}

func (m *memStudents) RecordAnswer(_ context.Context, socketID string, answer models.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[socketID]; ok {
		a := answer
		s.CurrentAnswer = &a
	}
	return nil
}

func (m *memStudents) get(socketID string) *models.Student {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.students[socketID]
}

type harness struct {
	c         *Coordinator
	sender    *recordingSender
	scheduler *manualScheduler
	questions *memQuestions
	students  *memStudents
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		sender:    &recordingSender{},
		scheduler: &manualScheduler{},
		questions: newMemQuestions(),
		students:  newMemStudents(),
	}
	h.c = New(opts, Deps{
		Questions: h.questions,
		Students:  h.students,
		Sender:    h.sender,
		Scheduler: h.scheduler,
		Logger:    zap.NewNop(),
	})
	return h
}

func (h *harness) do(t *testing.T, conn string, req Request) interface{} {
	t.Helper()
	res, err := h.c.Handle(context.Background(), conn, req)
	require.NoError(t, err)
	return res
}

// classroom joins teacher "t1" and the given students.
func (h *harness) classroom(t *testing.T, students ...string) {
	t.Helper()
	h.do(t, "t1", TeacherJoin{})
	for _, s := range students {
		h.do(t, s, StudentJoin{Name: "name-" + s})
	}
}

func (h *harness) create(t *testing.T, limit int, options ...string) *models.Question {
	t.Helper()
	in := make([]OptionInput, len(options))
	for i, o := range options {
		in[i] = OptionInput{Text: o, IsCorrect: i == 0}
	}
	res := h.do(t, "t1", CreateQuestion{Text: "Which one?", Options: in, TimeLimit: limit})
	return res.(*models.Question)
}
