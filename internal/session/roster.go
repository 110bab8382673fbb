package session

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

// RosterEntry is an active student as listed to teachers.
type RosterEntry struct {
	ConnectionID string    `json:"socketId"`
	StudentID    uuid.UUID `json:"id"`
	Name         string    `json:"name"`
}

type rosterStudent struct {
	entry RosterEntry
	seq   uint64
}

// Roster tracks which connections are teachers and which are active students.
// It is not safe for concurrent use; the Coordinator serializes access.
type Roster struct {
	store   StudentStore
	timeout time.Duration
	logger  *zap.Logger

	teachers map[string]uint64
	students map[string]*rosterStudent
	seq      uint64
}

// NewRoster creates an empty roster. store may be nil.
func NewRoster(store StudentStore, timeout time.Duration, logger *zap.Logger) *Roster {
	return &Roster{
		store:    store,
		timeout:  timeout,
		logger:   logger,
		teachers: make(map[string]uint64),
		students: make(map[string]*rosterStudent),
	}
}

func (r *Roster) next() uint64 {
	r.seq++
	return r.seq
}

// RegisterTeacher marks connectionID as a teacher. Registering twice is a no-op.
func (r *Roster) RegisterTeacher(connectionID string) {
	if _, ok := r.teachers[connectionID]; ok {
		return
	}
	r.teachers[connectionID] = r.next()
}

// RegisterStudent adds connectionID as an active student, or renames it if
// already present. The persisted record is upserted by socket id.
func (r *Roster) RegisterStudent(ctx context.Context, connectionID, name string) RosterEntry {
	if s, ok := r.students[connectionID]; ok {
		s.entry.Name = name
		r.upsert(ctx, s)
		return s.entry
	}
	s := &rosterStudent{
		entry: RosterEntry{ConnectionID: connectionID, StudentID: uuid.New(), Name: name},
		seq:   r.next(),
	}
	r.students[connectionID] = s
	r.upsert(ctx, s)
	return s.entry
}

func (r *Roster) upsert(ctx context.Context, s *rosterStudent) {
	if r.store == nil {
		return
	}
	pctx, cancel := persistContext(ctx, r.timeout)
	defer cancel()
	st, err := r.store.Upsert(pctx, s.entry.ConnectionID, s.entry.Name)
	if err != nil {
		r.logger.Warn("persist student failed", zap.String("socket_id", s.entry.ConnectionID), zap.Error(err))
		return
	}
	if st != nil && st.ID != uuid.Nil {
		s.entry.StudentID = st.ID
	}
}

// RemoveConnection drops connectionID from whichever role it holds. ok is false
// when the connection never registered.
func (r *Roster) RemoveConnection(ctx context.Context, connectionID string) (role models.Role, entry RosterEntry, ok bool) {
	if _, isTeacher := r.teachers[connectionID]; isTeacher {
		delete(r.teachers, connectionID)
		return models.RoleTeacher, RosterEntry{ConnectionID: connectionID}, true
	}
	s, isStudent := r.students[connectionID]
	if !isStudent {
		return "", RosterEntry{}, false
	}
	delete(r.students, connectionID)
	r.persist(ctx, "mark student inactive", connectionID, func(pctx context.Context) error {
		return r.store.MarkInactive(pctx, connectionID)
	})
	return models.RoleStudent, s.entry, true
}

// Kick removes a student from the active roster and persists the kicked flag.
func (r *Roster) Kick(ctx context.Context, connectionID string) (RosterEntry, bool) {
	s, ok := r.students[connectionID]
	if !ok {
		return RosterEntry{}, false
	}
	delete(r.students, connectionID)
	r.persist(ctx, "mark student kicked", connectionID, func(pctx context.Context) error {
		return r.store.MarkKicked(pctx, connectionID)
	})
	return s.entry, true
}

// RecordAnswer stores the latest vote on the student's persisted record.
func (r *Roster) RecordAnswer(ctx context.Context, connectionID string, answer models.Answer) {
	r.persist(ctx, "record student answer", connectionID, func(pctx context.Context) error {
		return r.store.RecordAnswer(pctx, connectionID, answer)
	})
}

func (r *Roster) persist(ctx context.Context, what, connectionID string, fn func(context.Context) error) {
	if r.store == nil {
		return
	}
	pctx, cancel := persistContext(ctx, r.timeout)
	defer cancel()
	if err := fn(pctx); err != nil {
		r.logger.Warn(what+" failed", zap.String("socket_id", connectionID), zap.Error(err))
	}
}

func (r *Roster) IsTeacher(connectionID string) bool {
	_, ok := r.teachers[connectionID]
	return ok
}

func (r *Roster) IsStudent(connectionID string) bool {
	_, ok := r.students[connectionID]
	return ok
}

func (r *Roster) TeacherCount() int { return len(r.teachers) }
func (r *Roster) StudentCount() int { return len(r.students) }

// Student returns the roster entry for connectionID.
func (r *Roster) Student(connectionID string) (RosterEntry, bool) {
	s, ok := r.students[connectionID]
	if !ok {
		return RosterEntry{}, false
	}
	return s.entry, true
}

// Students lists active students in join order.
func (r *Roster) Students() []RosterEntry {
	list := make([]*rosterStudent, 0, len(r.students))
	for _, s := range r.students {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]RosterEntry, len(list))
	for i, s := range list {
		out[i] = s.entry
	}
	return out
}

// StudentIDs lists active student connection ids in join order.
func (r *Roster) StudentIDs() []string {
	entries := r.Students()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ConnectionID
	}
	return ids
}

// TeacherIDs lists teacher connection ids in join order.
func (r *Roster) TeacherIDs() []string {
	ids := make([]string, 0, len(r.teachers))
	for id := range r.teachers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.teachers[ids[i]] < r.teachers[ids[j]] })
	return ids
}
