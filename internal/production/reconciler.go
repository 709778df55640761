package production

import (
	"context"
	"fmt"
	"strings"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/rs/zerolog/log"
)

// HandleCallback applies the worker's terminal report for a video.
//
// Deliveries are at-least-once. A callback for a video that is already
// terminal (completed, failed, timed out or cancelled) is acknowledged with
// Applied=false and changes nothing.
func (s *Service) HandleCallback(ctx context.Context, cb models.WorkerCallback) (*Settlement, error) {
	const op = "production.HandleCallback"

	settlement, err := s.handleCallback(ctx, op, cb)
	switch {
	case err != nil && apperr.KindOf(err) == apperr.KindInternal:
		metrics.CallbackDeliveries.WithLabelValues("error").Inc()
	case err != nil:
		metrics.CallbackDeliveries.WithLabelValues("rejected").Inc()
	case settlement.Applied:
		metrics.CallbackDeliveries.WithLabelValues("applied").Inc()
	default:
		metrics.CallbackDeliveries.WithLabelValues("duplicate").Inc()
	}
	return settlement, err
}

func (s *Service) handleCallback(ctx context.Context, op string, cb models.WorkerCallback) (*Settlement, error) {
	if err := validateCallback(op, cb); err != nil {
		return nil, err
	}

	video, err := s.findVideo(ctx, op, strings.TrimSpace(cb.VideoID))
	if err != nil {
		return nil, err
	}
	if chat := strings.TrimSpace(cb.ChatID); chat != "" && chat != video.ConversationID.String() {
		return nil, apperr.Validation(op, "chat_id does not match the video's conversation")
	}

	if video.Status.IsTerminal() {
		log.Info().
			Str("video_id", video.VideoID).
			Str("current", string(video.Status)).
			Str("reported", string(cb.Status)).
			Msg("Ignoring callback for terminal video")
		return &Settlement{Video: video}, nil
	}

	return s.settle(ctx, video, Outcome{
		Status:           cb.Status,
		VideoURL:         cb.VideoURL,
		ErrorMessage:     cb.ErrorMessage,
		ProcessingTimeMs: cb.ProcessingTimeMs,
		Actor:            ActorWorker,
	})
}

func validateCallback(op string, cb models.WorkerCallback) error {
	if strings.TrimSpace(cb.VideoID) == "" {
		return apperr.Validation(op, "video_id is required")
	}
	switch cb.Status {
	case models.VideoStatusCompleted:
		if cb.VideoURL == nil || strings.TrimSpace(*cb.VideoURL) == "" {
			return apperr.Validation(op, "video_url is required for a completed video")
		}
	case models.VideoStatusFailed:
	default:
		return apperr.Validation(op, fmt.Sprintf("status must be completed or failed, got %q", cb.Status))
	}
	if cb.ProcessingTimeMs != nil && *cb.ProcessingTimeMs < 0 {
		return apperr.Validation(op, "processing_time_ms must not be negative")
	}
	return nil
}
