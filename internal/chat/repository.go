package chat

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
)

// Repository handles chat message persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create appends a message.
func (r *Repository) Create(ctx context.Context, m *models.ChatMessage) error {
	const query = `INSERT INTO chat_messages (id, sender, sender_role, message, socket_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`
	if _, err := r.pool.Exec(ctx, query, m.ID, m.Sender, string(m.SenderRole), m.Message, m.SocketID, m.Timestamp); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// History returns the latest limit messages, oldest first.
func (r *Repository) History(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	const query = `SELECT id, sender, sender_role, message, COALESCE(socket_id, ''), created_at FROM (
			SELECT * FROM chat_messages ORDER BY created_at DESC LIMIT $1
		) latest ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	var list []models.ChatMessage
	for rows.Next() {
		var (
			m    models.ChatMessage
			role string
		)
		if err := rows.Scan(&m.ID, &m.Sender, &role, &m.Message, &m.SocketID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.SenderRole = models.Role(role)
		list = append(list, m)
	}
	return list, rows.Err()
}

// Clear deletes every message and returns how many were removed.
func (r *Repository) Clear(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM chat_messages`)
	if err != nil {
		return 0, fmt.Errorf("clear chat: %w", err)
	}
	return tag.RowsAffected(), nil
}
