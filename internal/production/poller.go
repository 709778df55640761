package production

import (
	"context"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxProcessingProgress = 95

// PollStatus reports a video's status and a progress estimate. It writes only
// when the video has been processing longer than the timeout, in which case it
// fails the video and refunds before answering.
func (s *Service) PollStatus(ctx context.Context, conversationID uuid.UUID, videoRef string, userID uuid.UUID) (*models.StatusResponse, error) {
	const op = "production.PollStatus"

	video, err := s.findVideo(ctx, op, videoRef)
	if err != nil {
		return nil, err
	}
	if video.ConversationID != conversationID || (userID != uuid.Nil && video.UserID != userID) {
		return nil, apperr.NotFound(op, "video")
	}

	now := s.clock()
	if s.timedOut(video, now) {
		settlement, err := s.settleTimeout(ctx, video, ActorTimeout)
		if err != nil && settlement == nil {
			return nil, err
		}
		if err != nil {
			log.Error().Err(err).Str("video_id", video.VideoID).Msg("Timeout settlement finished with errors")
		}
		video = settlement.Video
	}

	return s.statusOf(video, now), nil
}

func (s *Service) statusOf(video *models.Video, now time.Time) *models.StatusResponse {
	resp := &models.StatusResponse{
		Status:       video.Status,
		Progress:     Progress(video, now, s.cfg.ExpectedRender),
		VideoURL:     video.VideoURL,
		ErrorMessage: video.ErrorMessage,
	}
	if video.Status == models.VideoStatusProcessing {
		eta := video.ProcessingStartedAt.Add(s.cfg.ExpectedRender)
		if eta.Before(now) {
			eta = now
		}
		resp.EstimatedCompletion = &eta
	}
	return resp
}

// Progress is a client-facing estimate: a linear ramp over the expected render
// time, capped at 95 until the video is terminal.
func Progress(video *models.Video, now time.Time, expected time.Duration) int {
	switch video.Status {
	case models.VideoStatusCompleted:
		return 100
	case models.VideoStatusFailed, models.VideoStatusCancelled:
		return 0
	}

	if expected <= 0 {
		return 0
	}
	elapsed := now.Sub(video.ProcessingStartedAt)
	if elapsed <= 0 {
		return 0
	}
	pct := int(float64(elapsed) / float64(expected) * 100)
	if pct > maxProcessingProgress {
		return maxProcessingProgress
	}
	return pct
}

// SweepTimeouts fails every processing video older than the timeout, up to
// limit per call. It returns how many videos this call settled.
func (s *Service) SweepTimeouts(ctx context.Context, limit int) (int, error) {
	const op = "production.SweepTimeouts"

	if limit <= 0 {
		limit = 100
	}
	cutoff := s.clock().Add(-s.cfg.Timeout)

	stale, err := s.db.ListProcessingStartedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, apperr.Internal(op, err)
	}

	settled := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		result, err := s.settleTimeout(ctx, &stale[i], ActorSweeper)
		if err != nil {
			log.Error().Err(err).Str("video_id", stale[i].VideoID).Msg("Failed to time out video")
		}
		if result != nil && result.Applied {
			settled++
		}
	}

	return settled, nil
}

// ListStuck returns processing videos older than threshold, oldest first.
func (s *Service) ListStuck(ctx context.Context, threshold time.Duration, limit int) ([]models.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	videos, err := s.db.ListProcessingStartedBefore(ctx, s.clock().Add(-threshold), limit)
	if err != nil {
		return nil, apperr.Internal("production.ListStuck", err)
	}
	return videos, nil
}
