package models

import (
	"time"

	"github.com/google/uuid"
)

// Answer is the latest vote recorded for a student.
type Answer struct {
	QuestionID  uuid.UUID `json:"questionId"`
	OptionIndex int       `json:"optionIndex"`
	AnsweredAt  time.Time `json:"answeredAt"`
}

// Student is the persisted record of a student connection, keyed by socket id.
type Student struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	SocketID      string    `json:"socketId"`
	IsActive      bool      `json:"isActive"`
	IsKicked      bool      `json:"isKicked"`
	CurrentAnswer *Answer   `json:"currentAnswer,omitempty"`
	JoinedAt      time.Time `json:"joinedAt"`
}
