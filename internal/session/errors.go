package session

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation       = errors.New("invalid request")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrQuestionActive   = errors.New("a question is already active")
	ErrNoStudents       = errors.New("no students connected")
	ErrNoActiveQuestion = errors.New("question not active")
	ErrInvalidOption    = errors.New("invalid option")
	ErrAlreadyVoted     = errors.New("already voted")
	ErrNotTeacher       = errors.New("only teachers can do this")
	ErrNotStudent       = errors.New("only joined students can answer")
	ErrStudentNotFound  = errors.New("student not found")
)

// RequestError is a rejected client request. It wraps one of the sentinels above
// and carries the extra fields the error event exposes to the client.
type RequestError struct {
	Err               error
	Message           string
	NoStudents        bool
	RemainingStudents *int
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

func reject(sentinel error, format string, args ...interface{}) *RequestError {
	return &RequestError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps a request error onto an HTTP status for the REST surface.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotTeacher), errors.Is(err, ErrNotStudent):
		return http.StatusForbidden
	case errors.Is(err, ErrStudentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrQuestionActive), errors.Is(err, ErrNoStudents),
		errors.Is(err, ErrAlreadyVoted), errors.Is(err, ErrNoActiveQuestion):
		return http.StatusConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidOption), errors.Is(err, ErrUnknownEvent):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Details returns the client-facing flags of err as an ErrorPayload, or nil
// when it carries none.
func Details(err error) interface{} {
	var re *RequestError
	if !errors.As(err, &re) || (!re.NoStudents && re.RemainingStudents == nil) {
		return nil
	}
	return errorPayload(err)
}
