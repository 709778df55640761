// Package audit writes the append-only operational log. Entries are diagnostic
// only; nothing reads them back to decide state.
package audit

import (
	"context"
	"time"

	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	OutcomeOK       = "ok"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Entry is one operation to record. Start is used to compute the duration.
type Entry struct {
	Operation      string
	Actor          string
	Outcome        string
	ConversationID *uuid.UUID
	VideoID        *string
	UserID         *uuid.UUID
	Detail         string
	Start          time.Time
}

// Log persists entries to the audit_log table and mirrors them to zerolog.
type Log struct {
	db  *db.DB
	now func() time.Time
}

func New(database *db.DB) *Log {
	return &Log{db: database, now: time.Now}
}

// Record never fails the caller. A write error is logged and dropped.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	now := l.now().UTC()

	var duration int64
	if !e.Start.IsZero() {
		duration = now.Sub(e.Start).Milliseconds()
	}

	entry := &models.AuditEntry{
		ID:             uuid.New(),
		Operation:      e.Operation,
		Actor:          e.Actor,
		Outcome:        e.Outcome,
		ConversationID: e.ConversationID,
		VideoID:        e.VideoID,
		UserID:         e.UserID,
		Detail:         e.Detail,
		DurationMs:     duration,
		CreatedAt:      now,
	}

	event := log.Info()
	if e.Outcome == OutcomeError {
		event = log.Warn()
	}
	event.
		Str("operation", e.Operation).
		Str("actor", e.Actor).
		Str("outcome", e.Outcome).
		Int64("duration_ms", duration).
		Str("detail", e.Detail).
		Msg("audit")

	// Use a detached context so an aborted request still leaves its trail.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.db.InsertAuditEntry(writeCtx, entry); err != nil {
		log.Error().Err(err).Str("operation", e.Operation).Msg("failed to write audit entry")
	}
}

// List returns recent entries for a video or a conversation, newest first.
func (l *Log) List(ctx context.Context, videoID string, conversationID *uuid.UUID, limit int) ([]models.AuditEntry, error) {
	return l.db.ListAuditEntries(ctx, db.AuditFilter{VideoID: videoID, ConversationID: conversationID, Limit: limit})
}
