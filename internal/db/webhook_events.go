package db

import (
	"context"
	"fmt"
	"time"
)

// ClaimWebhookEvent records (provider, eventID) as being processed.
// Returns false if the event was already claimed by an earlier delivery.
func (db *DB) ClaimWebhookEvent(ctx context.Context, provider, eventID, eventType string, now time.Time) (bool, error) {
	query := `
		INSERT INTO webhook_events (provider, event_id, event_type, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	result, err := db.ExecContext(ctx, query, provider, eventID, eventType, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	return affected(result)
}

// ReleaseWebhookEvent forgets a claim so the provider's retry is processed again.
func (db *DB) ReleaseWebhookEvent(ctx context.Context, provider, eventID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to release webhook event: %w", err)
	}
	return nil
}
