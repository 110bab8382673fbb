package session

import (
	"errors"

	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
)

// Server to client event names.
const (
	EventQuestionNew     = "question:new"
	EventQuestionCreated = "question:created"
	EventResultsUpdate   = "results:update"
	EventQuestionTimeUp  = "question:timeup"
	EventQuestionEnded   = "question:ended"
	EventStudentJoined   = "student:joined"
	EventStudentLeft     = "student:left"
	EventStudentKicked   = "student:kicked"
	EventStudentsList    = "students:list"
	EventChatNewMessage  = "chat:newMessage"
	EventError           = "error"
)

// Audience selects who receives an Intent.
type Audience int

const (
	ToEveryone Audience = iota
	ToTeachers
	ToStudents
	ToConnection
)

// Intent is an outbound event produced by a state transition.
type Intent struct {
	Audience Audience
	Target   string // connection id for ToConnection
	Event    string
	Payload  interface{}
}

// Sender delivers events to live connections. The realtime Hub implements it.
type Sender interface {
	Send(connectionIDs []string, event string, payload interface{})
	Broadcast(event string, payload interface{})
}

// Dispatcher resolves intent audiences against the roster and hands them to a Sender.
type Dispatcher struct {
	sender Sender
	roster *Roster
}

func NewDispatcher(sender Sender, roster *Roster) *Dispatcher {
	return &Dispatcher{sender: sender, roster: roster}
}

// Deliver sends intents in order. Callers hold the coordinator lock, so each
// connection sees events in the order they were produced.
func (d *Dispatcher) Deliver(intents []Intent) {
	if d.sender == nil {
		return
	}
	for _, in := range intents {
		switch in.Audience {
		case ToEveryone:
			d.sender.Broadcast(in.Event, in.Payload)
		case ToTeachers:
			if ids := d.roster.TeacherIDs(); len(ids) > 0 {
				d.sender.Send(ids, in.Event, in.Payload)
			}
		case ToStudents:
			if ids := d.roster.StudentIDs(); len(ids) > 0 {
				d.sender.Send(ids, in.Event, in.Payload)
			}
		case ToConnection:
			if in.Target != "" {
				d.sender.Send([]string{in.Target}, in.Event, in.Payload)
			}
		}
	}
}

// QuestionPush is a question as pushed to clients, with the countdown remaining.
type QuestionPush struct {
	*models.Question
	RemainingSeconds int `json:"remainingSeconds"`
}

type ResultsUpdate struct {
	QuestionID       uuid.UUID             `json:"questionId"`
	Options          []models.OptionResult `json:"options"`
	TotalVotes       int                   `json:"totalVotes"`
	ExpectedStudents int                   `json:"expectedStudents"`
}

type QuestionEnded struct {
	QuestionID       *uuid.UUID            `json:"questionId,omitempty"`
	Results          []models.OptionResult `json:"results,omitempty"`
	TotalVotes       int                   `json:"totalVotes"`
	ExpectedStudents int                   `json:"expectedStudents"`
	AllAnswered      bool                  `json:"allAnswered"`
	Reason           models.CloseReason    `json:"reason,omitempty"`
	TeacherLeft      bool                  `json:"teacherLeft,omitempty"`
}

type StudentPresence struct {
	SocketID  string    `json:"socketId"`
	Name      string    `json:"name"`
	StudentID uuid.UUID `json:"id"`
}

type ErrorPayload struct {
	Message           string `json:"message"`
	NoStudents        bool   `json:"noStudents,omitempty"`
	RemainingStudents *int   `json:"remainingStudents,omitempty"`
}

func resultsUpdate(q *models.Question) ResultsUpdate {
	return ResultsUpdate{
		QuestionID:       q.ID,
		Options:          q.Results(),
		TotalVotes:       q.TotalVotes,
		ExpectedStudents: q.ExpectedRespondents,
	}
}

func questionEnded(q *models.Question) QuestionEnded {
	id := q.ID
	return QuestionEnded{
		QuestionID:       &id,
		Results:          q.Results(),
		TotalVotes:       q.TotalVotes,
		ExpectedStudents: q.ExpectedRespondents,
		AllAnswered:      q.AllAnswered,
		Reason:           q.CloseReason,
		TeacherLeft:      q.CloseReason == models.CloseTeacherLeft,
	}
}

func errorPayload(err error) ErrorPayload {
	var re *RequestError
	if errors.As(err, &re) {
		return ErrorPayload{Message: re.Error(), NoStudents: re.NoStudents, RemainingStudents: re.RemainingStudents}
	}
	return ErrorPayload{Message: err.Error()}
}
