package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

const videoColumns = `
	id, video_id, conversation_id, user_id, status, prompt, image_url,
	credits_used, is_revision, processing_started_at, processing_completed_at,
	processing_time_ms, video_url, error_message, created_at, updated_at
`

func scanVideo(row rowScanner) (*models.Video, error) {
	var (
		v                           models.Video
		status                      string
		imageURL, videoURL, errMsg  sql.NullString
		startedAt                   int64
		completedAt, processingTime sql.NullInt64
		createdAt, updatedAt        int64
	)
	if err := row.Scan(
		&v.ID, &v.VideoID, &v.ConversationID, &v.UserID, &status, &v.Prompt, &imageURL,
		&v.CreditsUsed, &v.IsRevision, &startedAt, &completedAt,
		&processingTime, &videoURL, &errMsg, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	v.Status = models.VideoStatus(status)
	v.ImageURL = stringPtr(imageURL)
	v.ProcessingStartedAt = fromMillis(startedAt)
	v.ProcessingCompletedAt = timePtr(completedAt)
	v.ProcessingTimeMs = int64Ptr(processingTime)
	v.VideoURL = stringPtr(videoURL)
	v.ErrorMessage = stringPtr(errMsg)
	v.CreatedAt = fromMillis(createdAt)
	v.UpdatedAt = fromMillis(updatedAt)
	return &v, nil
}

func (db *DB) CreateVideo(ctx context.Context, v *models.Video) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = v.ProcessingStartedAt
	}
	v.UpdatedAt = v.CreatedAt

	query := `
		INSERT INTO videos (
			id, video_id, conversation_id, user_id, status, prompt, image_url,
			credits_used, is_revision, processing_started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`
	_, err := db.ExecContext(
		ctx, query,
		v.ID, v.VideoID, v.ConversationID, v.UserID, string(v.Status), v.Prompt, nullString(v.ImageURL),
		v.CreditsUsed, v.IsRevision, toMillis(v.ProcessingStartedAt), toMillis(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}
	return nil
}

func (db *DB) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`

	v, err := scanVideo(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return v, nil
}

func (db *DB) GetVideoByCorrelationID(ctx context.Context, videoID string) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE video_id = $1`

	v, err := scanVideo(db.QueryRowContext(ctx, query, videoID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video by correlation id: %w", err)
	}
	return v, nil
}

// FindVideo looks a video up by correlation id, falling back to the primary key.
func (db *DB) FindVideo(ctx context.Context, ref string) (*models.Video, error) {
	v, err := db.GetVideoByCorrelationID(ctx, ref)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return v, err
	}

	id, parseErr := uuid.Parse(ref)
	if parseErr != nil {
		return nil, err
	}
	return db.GetVideo(ctx, id)
}

// DiscardProcessingVideo deletes a video that is still processing. It competes
// with FinishVideo for the row: false means a terminal write got there first
// and the row was left alone. Only used to compensate a failed launch.
func (db *DB) DiscardProcessingVideo(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := db.ExecContext(
		ctx, `DELETE FROM videos WHERE id = $1 AND status = $2`,
		id, string(models.VideoStatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to discard video: %w", err)
	}
	return affected(result)
}

// VideoOutcome carries the terminal fields written by FinishVideo.
type VideoOutcome struct {
	Status           models.VideoStatus
	VideoURL         *string
	ErrorMessage     *string
	ProcessingTimeMs *int64
}

// FinishVideo moves a processing video to a terminal status. It is the single
// check-and-set for terminal writes: false means the video was already terminal.
func (db *DB) FinishVideo(ctx context.Context, id uuid.UUID, out VideoOutcome, now time.Time) (bool, error) {
	query := `
		UPDATE videos
		SET status = $1, video_url = $2, error_message = $3, processing_time_ms = $4,
		    processing_completed_at = $5, updated_at = $5
		WHERE id = $6 AND status = $7
	`
	var processingTime sql.NullInt64
	if out.ProcessingTimeMs != nil {
		processingTime = sql.NullInt64{Int64: *out.ProcessingTimeMs, Valid: true}
	}

	result, err := db.ExecContext(
		ctx, query,
		string(out.Status), nullString(out.VideoURL), nullString(out.ErrorMessage), processingTime,
		toMillis(now), id, string(models.VideoStatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish video: %w", err)
	}
	return affected(result)
}

// ListProcessingStartedBefore returns processing videos older than cutoff, oldest first.
func (db *DB) ListProcessingStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Video, error) {
	query := `SELECT ` + videoColumns + `
		FROM videos
		WHERE status = $1 AND processing_started_at < $2
		ORDER BY processing_started_at
		LIMIT $3
	`
	return db.queryVideos(ctx, query, string(models.VideoStatusProcessing), toMillis(cutoff), limit)
}

func (db *DB) GetConversationVideos(ctx context.Context, conversationID uuid.UUID) ([]models.Video, error) {
	query := `SELECT ` + videoColumns + `
		FROM videos
		WHERE conversation_id = $1
		ORDER BY processing_started_at
	`
	return db.queryVideos(ctx, query, conversationID)
}

// CountProcessingVideos returns how many processing videos a conversation has.
func (db *DB) CountProcessingVideos(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM videos WHERE conversation_id = $1 AND status = $2`,
		conversationID, string(models.VideoStatusProcessing),
	).Scan(&count)
	return count, err
}

func (db *DB) queryVideos(ctx context.Context, query string, args ...interface{}) ([]models.Video, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate videos: %w", err)
	}

	return videos, nil
}
