package students

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
)

// Repository handles student persistence keyed by socket id.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a students repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert creates the student or, for a known socket id, renames it and clears
// any stale kicked or inactive flags.
func (r *Repository) Upsert(ctx context.Context, socketID, name string) (*models.Student, error) {
	const query = `INSERT INTO students (name, socket_id, is_active, is_kicked)
		VALUES ($1, $2, TRUE, FALSE)
		ON CONFLICT (socket_id) DO UPDATE SET name = EXCLUDED.name, is_active = TRUE, is_kicked = FALSE
		RETURNING id, name, socket_id, is_active, is_kicked, current_answer, joined_at`
	s, err := scanStudent(r.pool.QueryRow(ctx, query, name, socketID))
	if err != nil {
		return nil, fmt.Errorf("upsert student: %w", err)
	}
	return s, nil
}

// MarkInactive flags the student as disconnected.
func (r *Repository) MarkInactive(ctx context.Context, socketID string) error {
	const query = `UPDATE students SET is_active = FALSE WHERE socket_id = $1`
	if _, err := r.pool.Exec(ctx, query, socketID); err != nil {
		return fmt.Errorf("mark student inactive: %w", err)
	}
	return nil
}

// MarkKicked flags the student as kicked and inactive.
func (r *Repository) MarkKicked(ctx context.Context, socketID string) error {
	const query = `UPDATE students SET is_active = FALSE, is_kicked = TRUE WHERE socket_id = $1`
	if _, err := r.pool.Exec(ctx, query, socketID); err != nil {
		return fmt.Errorf("mark student kicked: %w", err)
	}
	return nil
}

// RecordAnswer stores the student's latest vote.
func (r *Repository) RecordAnswer(ctx context.Context, socketID string, answer models.Answer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	const query = `UPDATE students SET current_answer = $2 WHERE socket_id = $1`
	if _, err := r.pool.Exec(ctx, query, socketID, raw); err != nil {
		return fmt.Errorf("record answer: %w", err)
	}
	return nil
}

// ListActive returns active, non-kicked students, newest join first.
func (r *Repository) ListActive(ctx context.Context) ([]models.Student, error) {
	const query = `SELECT id, name, socket_id, is_active, is_kicked, current_answer, joined_at
		FROM students WHERE is_active AND NOT is_kicked ORDER BY joined_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()
	var list []models.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// DeactivateAll marks every student inactive. Used on startup, when no connection survives.
func (r *Repository) DeactivateAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE students SET is_active = FALSE WHERE is_active`)
	if err != nil {
		return 0, fmt.Errorf("deactivate students: %w", err)
	}
	return tag.RowsAffected(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (*models.Student, error) {
	var (
		s      models.Student
		answer []byte
	)
	if err := row.Scan(&s.ID, &s.Name, &s.SocketID, &s.IsActive, &s.IsKicked, &answer, &s.JoinedAt); err != nil {
		return nil, err
	}
	if len(answer) > 0 {
		var a models.Answer
		if err := json.Unmarshal(answer, &a); err != nil {
			return nil, fmt.Errorf("unmarshal current answer: %w", err)
		}
		s.CurrentAnswer = &a
	}
	return &s, nil
}
