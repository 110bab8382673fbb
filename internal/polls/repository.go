package polls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
)

// Repository handles question persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a questions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `id, question_text, options, time_limit_seconds, total_votes, expected_respondents,
	all_answered, is_active, session_aborted, close_reason, created_at, ended_at`

// Create inserts a new question.
func (r *Repository) Create(ctx context.Context, q *models.Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	const query = `INSERT INTO questions (id, question_text, options, time_limit_seconds, total_votes,
		expected_respondents, all_answered, is_active, session_aborted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query, q.ID, q.Text, options, q.TimeLimitSeconds, q.TotalVotes,
		q.ExpectedRespondents, q.AllAnswered, q.IsActive, q.SessionAborted, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// Save writes the mutable fields of a question: tallies, flags and close data.
func (r *Repository) Save(ctx context.Context, q *models.Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	var reason *string
	if q.CloseReason != "" {
		s := string(q.CloseReason)
		reason = &s
	}
	const query = `UPDATE questions SET options = $2, total_votes = $3, expected_respondents = $4,
		all_answered = $5, is_active = $6, session_aborted = $7, close_reason = $8, ended_at = $9
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, q.ID, options, q.TotalVotes, q.ExpectedRespondents,
		q.AllAnswered, q.IsActive, q.SessionAborted, reason, q.EndedAt)
	if err != nil {
		return fmt.Errorf("update question: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// the insert was lost; write the full row
		return r.Create(ctx, q)
	}
	return nil
}

// GetByID returns a question by ID, or nil if not found.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Question, error) {
	query := `SELECT ` + selectColumns + ` FROM questions WHERE id = $1`
	q, err := scanQuestion(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

// History returns closed questions, newest first.
func (r *Repository) History(ctx context.Context, limit int) ([]models.Question, error) {
	query := `SELECT ` + selectColumns + ` FROM questions WHERE NOT is_active ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()
	var list []models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		list = append(list, *q)
	}
	return list, rows.Err()
}

// CloseStale marks questions left active by a previous process as closed.
// In-memory session state does not survive a restart, so such rows can never finish.
func (r *Repository) CloseStale(ctx context.Context) (int64, error) {
	const query = `UPDATE questions SET is_active = FALSE, session_aborted = TRUE,
		close_reason = 'teacher_left', ended_at = NOW() WHERE is_active`
	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("close stale questions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanQuestion(row pgx.Row) (*models.Question, error) {
	var (
		q       models.Question
		options []byte
		reason  *string
		ended   *time.Time
	)
	err := row.Scan(&q.ID, &q.Text, &options, &q.TimeLimitSeconds, &q.TotalVotes, &q.ExpectedRespondents,
		&q.AllAnswered, &q.IsActive, &q.SessionAborted, &reason, &q.CreatedAt, &ended)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(options, &q.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	if reason != nil {
		q.CloseReason = models.CloseReason(*reason)
	}
	q.EndedAt = ended
	return &q, nil
}
