package session

import (
	"context"
	"time"

	"github.com/livepoll/backend/internal/models"
)

// QuestionStore persists question rounds. In-memory state stays authoritative;
// a failed write is logged and the round carries on.
type QuestionStore interface {
	Create(ctx context.Context, q *models.Question) error
	Save(ctx context.Context, q *models.Question) error
}

// StudentStore persists student records keyed by socket id.
type StudentStore interface {
	Upsert(ctx context.Context, socketID, name string) (*models.Student, error)
	MarkInactive(ctx context.Context, socketID string) error
	MarkKicked(ctx context.Context, socketID string) error
	RecordAnswer(ctx context.Context, socketID string, answer models.Answer) error
}

// ChatStore appends chat messages.
type ChatStore interface {
	Create(ctx context.Context, m *models.ChatMessage) error
}

func persistContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
