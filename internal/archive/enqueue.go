package archive

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

// Enqueuer schedules an archive job.
type Enqueuer interface {
	EnqueueArchive(ctx context.Context, questionID uuid.UUID) error
}

// OnClosed returns a session close hook that enqueues every closed question.
func OnClosed(jobs Enqueuer, timeout time.Duration, logger *zap.Logger) func(*models.Question) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return func(q *models.Question) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := jobs.EnqueueArchive(ctx, q.ID); err != nil {
			logger.Warn("enqueue archive failed", zap.String("question_id", q.ID.String()), zap.Error(err))
		}
	}
}
