package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

const conversationColumns = `
	id, user_id, title, workflow_state, brief, active_video_id,
	is_locked, locked_until, lock_reason, lock_version,
	production_started_at, last_activity_at, created_at, updated_at
`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		c                              models.Conversation
		state                          string
		brief, activeVideo, lockReason sql.NullString
		lockedUntil, startedAt, lastAt sql.NullInt64
		createdAt, updatedAt           int64
	)
	if err := row.Scan(
		&c.ID, &c.UserID, &c.Title, &state, &brief, &activeVideo,
		&c.Lease.Locked, &lockedUntil, &lockReason, &c.LockVersion,
		&startedAt, &lastAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	c.WorkflowState = models.WorkflowState(state)
	c.Brief = stringPtr(brief)
	c.ActiveVideoID = stringPtr(activeVideo)
	c.Lease.ExpiresAt = timePtr(lockedUntil)
	c.Lease.Reason = lockReason.String
	c.ProductionStartedAt = timePtr(startedAt)
	c.LastActivityAt = timePtr(lastAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func (db *DB) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	if c.WorkflowState == "" {
		c.WorkflowState = models.WorkflowStateDraft
	}

	query := `
		INSERT INTO conversations (
			id, user_id, title, workflow_state, brief, last_activity_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	_, err := db.ExecContext(
		ctx, query,
		c.ID, c.UserID, c.Title, string(c.WorkflowState), nullString(c.Brief),
		toMillis(c.CreatedAt), toMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (db *DB) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	c, err := scanConversation(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// RecordBrief stores the brief and moves the conversation from one state to another.
// Returns false if the conversation was no longer in from.
func (db *DB) RecordBrief(ctx context.Context, id uuid.UUID, brief string, from, to models.WorkflowState, now time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET brief = $1, workflow_state = $2, last_activity_at = $3, updated_at = $3
		WHERE id = $4 AND workflow_state = $5
	`
	result, err := db.ExecContext(ctx, query, brief, string(to), toMillis(now), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to record brief: %w", err)
	}
	return affected(result)
}

// BeginProduction moves the conversation into in_production owned by videoID.
// Returns false if the conversation left state from in the meantime.
func (db *DB) BeginProduction(ctx context.Context, id uuid.UUID, videoID string, from models.WorkflowState, now time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET workflow_state = $1, active_video_id = $2, production_started_at = $3,
		    last_activity_at = $3, updated_at = $3
		WHERE id = $4 AND workflow_state = $5
	`
	result, err := db.ExecContext(
		ctx, query,
		string(models.WorkflowStateInProduction), videoID, toMillis(now), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to begin production: %w", err)
	}
	return affected(result)
}

// RevertBrief clears a brief recorded during a launch that was rolled back and
// returns the conversation to draft. Returns false if it left awaiting_approval.
func (db *DB) RevertBrief(ctx context.Context, id uuid.UUID, brief *string, now time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET brief = $1, workflow_state = $2, updated_at = $3
		WHERE id = $4 AND workflow_state = $5
	`
	result, err := db.ExecContext(
		ctx, query,
		nullString(brief), string(models.WorkflowStateDraft), toMillis(now), id,
		string(models.WorkflowStateAwaitingApproval),
	)
	if err != nil {
		return false, fmt.Errorf("failed to revert brief: %w", err)
	}
	return affected(result)
}

// RestoreProduction puts back the workflow fields captured before BeginProduction,
// provided the conversation is still in production for videoID.
// Only used to compensate a failed launch.
func (db *DB) RestoreProduction(ctx context.Context, id uuid.UUID, videoID string, state models.WorkflowState, activeVideoID *string, startedAt *time.Time, now time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET workflow_state = $1, active_video_id = $2, production_started_at = $3, updated_at = $4
		WHERE id = $5 AND workflow_state = $6 AND active_video_id = $7
	`
	result, err := db.ExecContext(
		ctx, query,
		string(state), nullString(activeVideoID), nullMillis(startedAt), toMillis(now), id,
		string(models.WorkflowStateInProduction), videoID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to restore conversation: %w", err)
	}
	return affected(result)
}

// EndProduction moves an in_production conversation owned by videoID (or by nobody)
// to state and clears active_video_id. Returns false if the conversation has moved on.
func (db *DB) EndProduction(ctx context.Context, id uuid.UUID, videoID string, to models.WorkflowState, now time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET workflow_state = $1, active_video_id = NULL, last_activity_at = $2, updated_at = $2
		WHERE id = $3
		  AND workflow_state = $4
		  AND (active_video_id = $5 OR active_video_id IS NULL)
	`
	result, err := db.ExecContext(
		ctx, query,
		string(to), toMillis(now), id, string(models.WorkflowStateInProduction), videoID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to end production: %w", err)
	}
	return affected(result)
}

// SwapLease writes lease if lock_version still equals expectedVersion.
// Returns false when a concurrent writer changed the lease first.
func (db *DB) SwapLease(ctx context.Context, id uuid.UUID, expectedVersion int64, lease models.Lease, now time.Time) (bool, error) {
	var reason sql.NullString
	if lease.Reason != "" {
		reason = sql.NullString{String: lease.Reason, Valid: true}
	}

	query := `
		UPDATE conversations
		SET is_locked = $1, locked_until = $2, lock_reason = $3,
		    lock_version = lock_version + 1, last_activity_at = $4, updated_at = $4
		WHERE id = $5 AND lock_version = $6
	`
	result, err := db.ExecContext(
		ctx, query,
		lease.Locked, nullMillis(lease.ExpiresAt), reason, toMillis(now), id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to write lease: %w", err)
	}
	return affected(result)
}

// ClearLease unconditionally frees the lease. Clearing a free lease is a no-op write.
func (db *DB) ClearLease(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE conversations
		SET is_locked = $1, locked_until = NULL, lock_reason = NULL,
		    lock_version = lock_version + 1, updated_at = $2
		WHERE id = $3
	`
	result, err := db.ExecContext(ctx, query, false, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("failed to clear lease: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}
