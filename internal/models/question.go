package models

import (
	"time"

	"github.com/google/uuid"
)

// CloseReason records why a question stopped accepting votes.
type CloseReason string

const (
	CloseAnswered    CloseReason = "answered"
	CloseTimeout     CloseReason = "timeout"
	CloseTeacherLeft CloseReason = "teacher_left"
	CloseManual      CloseReason = "closed"
)

// Option is one choice of a multiple-choice question.
type Option struct {
	Text       string   `json:"text"`
	IsCorrect  bool     `json:"isCorrect"`
	Votes      int      `json:"votes"`
	Percentage int      `json:"percentage"`
	VotedBy    []string `json:"votedBy"` // connection ids
}

// OptionResult is an Option without the voter list, as broadcast to clients.
type OptionResult struct {
	Text       string `json:"text"`
	IsCorrect  bool   `json:"isCorrect"`
	Votes      int    `json:"votes"`
	Percentage int    `json:"percentage"`
}

// Question is a poll round broadcast by the teacher.
type Question struct {
	ID                  uuid.UUID   `json:"id"`
	Text                string      `json:"questionText"`
	Options             []Option    `json:"options"`
	TimeLimitSeconds    int         `json:"timeLimit"`
	TotalVotes          int         `json:"totalVotes"`
	ExpectedRespondents int         `json:"expectedStudents"`
	AllAnswered         bool        `json:"allStudentsAnswered"`
	IsActive            bool        `json:"isActive"`
	SessionAborted      bool        `json:"sessionAborted"`
	CloseReason         CloseReason `json:"closeReason,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	EndedAt             *time.Time  `json:"endedAt,omitempty"`
}

// HasVoted reports whether connectionID appears in any option's voter list.
func (q *Question) HasVoted(connectionID string) bool {
	for _, o := range q.Options {
		for _, v := range o.VotedBy {
			if v == connectionID {
				return true
			}
		}
	}
	return false
}

// Results returns the per-option tallies without voter lists.
func (q *Question) Results() []OptionResult {
	out := make([]OptionResult, len(q.Options))
	for i, o := range q.Options {
		out[i] = OptionResult{Text: o.Text, IsCorrect: o.IsCorrect, Votes: o.Votes, Percentage: o.Percentage}
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine.
func (q *Question) Clone() *Question {
	c := *q
	c.Options = make([]Option, len(q.Options))
	for i, o := range q.Options {
		o.VotedBy = append([]string(nil), o.VotedBy...)
		c.Options[i] = o
	}
	if q.EndedAt != nil {
		t := *q.EndedAt
		c.EndedAt = &t
	}
	return &c
}
