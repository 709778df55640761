package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func uuidPtr(n sql.NullString) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id, err := uuid.Parse(n.String)
	if err != nil {
		return nil
	}
	return &id
}

// InsertAuditEntry appends one entry to the audit log.
func (db *DB) InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	query := `
		INSERT INTO audit_log (
			id, operation, actor, outcome, conversation_id, video_id, user_id,
			detail, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := db.ExecContext(
		ctx, query,
		e.ID, e.Operation, e.Actor, e.Outcome, nullUUID(e.ConversationID), nullString(e.VideoID),
		nullUUID(e.UserID), e.Detail, e.DurationMs, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// AuditFilter selects audit entries. Empty fields are not filtered on.
type AuditFilter struct {
	VideoID        string
	ConversationID *uuid.UUID
	Limit          int
}

// ListAuditEntries returns matching entries, newest first.
func (db *DB) ListAuditEntries(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.VideoID != "" {
		args = append(args, f.VideoID)
		where = append(where, fmt.Sprintf("video_id = $%d", len(args)))
	}
	if f.ConversationID != nil {
		args = append(args, f.ConversationID.String())
		where = append(where, fmt.Sprintf("conversation_id = $%d", len(args)))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, operation, actor, outcome, conversation_id, video_id, user_id,
		       detail, duration_ms, created_at
		FROM audit_log
	`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " OR ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e                       models.AuditEntry
			convID, videoID, userID sql.NullString
			createdAt               int64
		)
		if err := rows.Scan(
			&e.ID, &e.Operation, &e.Actor, &e.Outcome, &convID, &videoID, &userID,
			&e.Detail, &e.DurationMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ConversationID = uuidPtr(convID)
		e.VideoID = stringPtr(videoID)
		e.UserID = uuidPtr(userID)
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit log: %w", err)
	}

	return entries, nil
}
