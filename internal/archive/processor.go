// Package archive uploads the results of closed questions to object storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/queue"
	"github.com/livepoll/backend/pkg/storage"
)

// ErrNotClosed is returned for a job whose question is still open in storage.
var ErrNotClosed = errors.New("question not closed yet")

// QuestionLoader loads persisted questions.
type QuestionLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Question, error)
}

// ObjectStore writes archive documents.
type ObjectStore interface {
	UploadJSON(ctx context.Context, key string, body []byte) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Jobs is the archive job queue.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Document is the archived form of a closed question.
type Document struct {
	QuestionID       uuid.UUID             `json:"questionId"`
	QuestionText     string                `json:"questionText"`
	Options          []models.OptionResult `json:"options"`
	TimeLimitSeconds int                   `json:"timeLimit"`
	TotalVotes       int                   `json:"totalVotes"`
	ExpectedStudents int                   `json:"expectedStudents"`
	AllAnswered      bool                  `json:"allStudentsAnswered"`
	SessionAborted   bool                  `json:"sessionAborted"`
	CloseReason      models.CloseReason    `json:"closeReason"`
	CreatedAt        time.Time             `json:"createdAt"`
	EndedAt          time.Time             `json:"endedAt"`
	ArchivedAt       time.Time             `json:"archivedAt"`
}

// NewDocument builds the archive document for a closed question.
func NewDocument(q *models.Question, archivedAt time.Time) Document {
	d := Document{
		QuestionID:       q.ID,
		QuestionText:     q.Text,
		Options:          q.Results(),
		TimeLimitSeconds: q.TimeLimitSeconds,
		TotalVotes:       q.TotalVotes,
		ExpectedStudents: q.ExpectedRespondents,
		AllAnswered:      q.AllAnswered,
		SessionAborted:   q.SessionAborted,
		CloseReason:      q.CloseReason,
		CreatedAt:        q.CreatedAt,
		ArchivedAt:       archivedAt.UTC(),
	}
	if q.EndedAt != nil {
		d.EndedAt = *q.EndedAt
	}
	return d
}

// Processor processes archive jobs: load the question, upload its results.
type Processor struct {
	questions QuestionLoader
	store     ObjectStore
	jobs      Jobs
	logger    *zap.Logger
	backoff   time.Duration
	now       func() time.Time
}

// NewProcessor creates an archive processor.
func NewProcessor(questions QuestionLoader, store ObjectStore, jobs Jobs, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		questions: questions,
		store:     store,
		jobs:      jobs,
		logger:    logger,
		backoff:   queue.RetryBackoff,
		now:       time.Now,
	}
}

// Process executes one archive job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveResults {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	q, err := p.questions.GetByID(ctx, payload.QuestionID)
	if err != nil {
		return fmt.Errorf("load question: %w", err)
	}
	if q == nil {
		return fmt.Errorf("question not found: %s", payload.QuestionID)
	}
	if q.IsActive || q.EndedAt == nil {
		return fmt.Errorf("%w: %s", ErrNotClosed, q.ID)
	}

	key := storage.ResultsKey(q.ID.String(), *q.EndedAt)
	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		p.logger.Info("results already archived", zap.String("question_id", q.ID.String()), zap.String("key", key))
		return nil
	}

	body, err := json.Marshal(NewDocument(q, p.now()))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	url, err := p.store.UploadJSON(ctx, key, body)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("results archived",
		zap.String("question_id", q.ID.String()),
		zap.String("key", key),
		zap.String("url", url))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	if p.backoff <= 0 {
		return
	}
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
