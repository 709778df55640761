package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateMessage(ctx context.Context, m *models.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, role, content, video_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := db.ExecContext(
		ctx, query,
		m.ID, m.ConversationID, string(m.Role), m.Content, nullString(m.VideoID), toMillis(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (db *DB) GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, video_id, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id
	`

	rows, err := db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m         models.Message
			role      string
			videoID   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &videoID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = models.MessageRole(role)
		m.VideoID = stringPtr(videoID)
		m.CreatedAt = fromMillis(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}
