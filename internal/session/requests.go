package session

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
)

// Client to server event names.
const (
	EventTeacherJoin    = "teacher:join"
	EventStudentJoin    = "student:join"
	EventQuestionCreate = "question:create"
	EventAnswerSubmit   = "answer:submit"
	EventStudentKick    = "student:kick"
	EventStudentsGet    = "students:get"
	EventChatMessage    = "chat:message"
	EventQuestionClose  = "question:close"
	EventClientTimeUp   = "question:timeup"
)

// Request is one of the client request variants below.
type Request interface {
	isRequest()
}

type TeacherJoin struct{}

type StudentJoin struct {
	Name string `json:"name"`
}

type CreateQuestion struct {
	Text      string        `json:"questionText"`
	Options   []OptionInput `json:"options"`
	TimeLimit int           `json:"timeLimit"`
}

// SubmitAnswer votes for OptionIndex. A nil QuestionID targets the active question.
type SubmitAnswer struct {
	QuestionID  uuid.UUID
	OptionIndex int
}

type KickStudent struct {
	StudentID string `json:"studentId"`
}

type ListStudents struct{}

type ChatMessage struct {
	Sender     string      `json:"sender"`
	SenderRole models.Role `json:"senderRole"`
	Message    string      `json:"message"`
}

type CloseQuestion struct {
	QuestionID uuid.UUID
}

// ClientTimeUp is a client's own countdown reaching zero. The server timer decides.
type ClientTimeUp struct{}

func (TeacherJoin) isRequest()    {}
func (StudentJoin) isRequest()    {}
func (CreateQuestion) isRequest() {}
func (SubmitAnswer) isRequest()   {}
func (KickStudent) isRequest()    {}
func (ListStudents) isRequest()   {}
func (ChatMessage) isRequest()    {}
func (CloseQuestion) isRequest()  {}
func (ClientTimeUp) isRequest()   {}

// OptionInput is an option in a create request: either a bare string or {text, isCorrect}.
type OptionInput struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

func (o *OptionInput) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		o.IsCorrect = false
		return json.Unmarshal(b, &o.Text)
	}
	type plain OptionInput
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*o = OptionInput(p)
	return nil
}

// ParseQuestionID parses an optional question id; empty means the active question.
func ParseQuestionID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, reject(ErrNoActiveQuestion, "question not active")
	}
	return id, nil
}

// DecodeRequest maps a realtime envelope onto a Request.
func DecodeRequest(event string, data json.RawMessage) (Request, error) {
	switch event {
	case EventTeacherJoin:
		return TeacherJoin{}, nil
	case EventStudentsGet:
		return ListStudents{}, nil
	case EventClientTimeUp:
		return ClientTimeUp{}, nil
	case EventStudentJoin:
		var r StudentJoin
		return r, decode(data, &r)
	case EventQuestionCreate:
		var r CreateQuestion
		return r, decode(data, &r)
	case EventStudentKick:
		var r KickStudent
		return r, decode(data, &r)
	case EventChatMessage:
		var r ChatMessage
		return r, decode(data, &r)
	case EventAnswerSubmit:
		var raw struct {
			QuestionID  string `json:"questionId"`
			OptionIndex *int   `json:"optionIndex"`
		}
		if err := decode(data, &raw); err != nil {
			return nil, err
		}
		if raw.OptionIndex == nil {
			return nil, reject(ErrInvalidOption, "optionIndex is required")
		}
		id, err := ParseQuestionID(raw.QuestionID)
		if err != nil {
			return nil, err
		}
		return SubmitAnswer{QuestionID: id, OptionIndex: *raw.OptionIndex}, nil
	case EventQuestionClose:
		var raw struct {
			QuestionID string `json:"questionId"`
		}
		if err := decode(data, &raw); err != nil {
			return nil, err
		}
		id, err := ParseQuestionID(raw.QuestionID)
		if err != nil {
			return nil, err
		}
		return CloseQuestion{QuestionID: id}, nil
	}
	return nil, reject(ErrUnknownEvent, "unknown event %q", event)
}

func decode(data json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return reject(ErrValidation, "malformed payload")
	}
	return nil
}
