package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/events"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	ActorWorker  = "worker"
	ActorTimeout = "timeout"
	ActorSweeper = "sweeper"
	ActorUser    = "user"

	TimeoutMessage = "video generation timed out"
)

// Outcome is a terminal result to apply to a processing video.
type Outcome struct {
	Status           models.VideoStatus
	VideoURL         *string
	ErrorMessage     *string
	ProcessingTimeMs *int64
	Actor            string
}

// Settlement reports what a settle call did.
type Settlement struct {
	Applied  bool // false when the video was already terminal
	Video    *models.Video
	Refunded float64
}

// settle is the only path that moves a video out of processing. Every writer
// (worker callback, poller timeout, sweeper, user cancel, admin) goes through it.
//
// The video row is flipped first with a conditional update on status=processing.
// Exactly one caller wins that update, and only the winner refunds, ends the
// production and releases the lease. Losers return Applied=false.
func (s *Service) settle(ctx context.Context, video *models.Video, out Outcome) (*Settlement, error) {
	const op = "production.settle"

	if !out.Status.IsTerminal() {
		return nil, apperr.Validation(op, fmt.Sprintf("status %q is not terminal", out.Status))
	}
	if !CanSettle(video.Status, out.Status) {
		metrics.ProductionsSettled.WithLabelValues("noop", out.Actor).Inc()
		return &Settlement{Video: video}, nil
	}
	target, _ := StateAfter(out.Status)

	now := s.clock()
	start := now
	if out.ProcessingTimeMs == nil {
		elapsed := now.Sub(video.ProcessingStartedAt).Milliseconds()
		out.ProcessingTimeMs = &elapsed
	}

	applied, err := s.db.FinishVideo(ctx, video.ID, db.VideoOutcome{
		Status:           out.Status,
		VideoURL:         out.VideoURL,
		ErrorMessage:     out.ErrorMessage,
		ProcessingTimeMs: out.ProcessingTimeMs,
	}, now)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if !applied {
		metrics.ProductionsSettled.WithLabelValues("noop", out.Actor).Inc()
		current, err := s.db.GetVideo(ctx, video.ID)
		if err != nil {
			return &Settlement{Video: video}, nil
		}
		return &Settlement{Video: current}, nil
	}

	// From here on this call owns the settlement. Keep going on errors so a
	// failed refund does not also leave the conversation stuck in production.
	ctx = context.WithoutCancel(ctx)
	var errs []error
	result := &Settlement{Applied: true}

	if refunds(out.Status) && video.CreditsUsed > 0 {
		if err := s.db.RefundCredits(ctx, video.UserID, video.CreditsUsed, now); err != nil {
			errs = append(errs, fmt.Errorf("refund %.1f credits: %w", video.CreditsUsed, err))
		} else {
			result.Refunded = video.CreditsUsed
			metrics.CreditsRefunded.WithLabelValues(string(out.Status)).Add(video.CreditsUsed)
		}
	}

	ended, err := s.db.EndProduction(ctx, video.ConversationID, video.VideoID, target, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("end production: %w", err))
	}
	if ended {
		// The lease belongs to this production only while the conversation still points at it.
		if err := s.locker.Release(ctx, video.ConversationID); err != nil {
			errs = append(errs, fmt.Errorf("release lease: %w", err))
		}
	} else if err == nil {
		log.Warn().
			Str("video_id", video.VideoID).
			Str("conversation_id", video.ConversationID.String()).
			Msg("Conversation no longer owned by settled video; leaving workflow state and lease alone")
	}

	s.notify(ctx, video.ConversationID, &video.VideoID, noticeFor(out, result.Refunded))

	settled, err := s.db.GetVideo(ctx, video.ID)
	if err != nil {
		settled = video
	}
	result.Video = settled

	s.publish(ctx, events.Event{
		Type:           events.TypeProductionSettled,
		ConversationID: video.ConversationID,
		VideoID:        video.VideoID,
		Status:         string(out.Status),
		WorkflowState:  string(target),
	})
	metrics.ProductionsSettled.WithLabelValues(string(out.Status), out.Actor).Inc()

	entry := audit.Entry{
		Operation:      "production.settle",
		Actor:          out.Actor,
		Outcome:        audit.OutcomeOK,
		ConversationID: &video.ConversationID,
		VideoID:        &video.VideoID,
		UserID:         &video.UserID,
		Detail:         fmt.Sprintf("status=%s refunded=%.1f", out.Status, result.Refunded),
		Start:          start,
	}
	if len(errs) > 0 {
		entry.Outcome = audit.OutcomeError
		entry.Detail += " errors=" + errors.Join(errs...).Error()
	}
	s.audit.Record(ctx, entry)

	log.Info().
		Str("video_id", video.VideoID).
		Str("status", string(out.Status)).
		Str("actor", out.Actor).
		Float64("refunded", result.Refunded).
		Msg("Production settled")

	if len(errs) > 0 {
		return result, apperr.Internal(op, errors.Join(errs...))
	}
	return result, nil
}

func noticeFor(out Outcome, refunded float64) string {
	switch out.Status {
	case models.VideoStatusCompleted:
		return "Your video is ready."
	case models.VideoStatusFailed:
		reason := "the generation worker reported an error"
		if out.ErrorMessage != nil && *out.ErrorMessage != "" {
			reason = *out.ErrorMessage
		}
		return fmt.Sprintf("Video generation failed: %s. %s", reason, refundNote(refunded))
	case models.VideoStatusCancelled:
		return fmt.Sprintf("Production cancelled. %s", refundNote(refunded))
	}
	return ""
}

func refundNote(refunded float64) string {
	if refunded <= 0 {
		return "No credits were charged."
	}
	return fmt.Sprintf("%s credits were refunded.", formatCredits(refunded))
}

func formatCredits(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

// timedOut reports whether a processing video has outlived the production timeout.
func (s *Service) timedOut(video *models.Video, now time.Time) bool {
	return video.Status == models.VideoStatusProcessing && now.Sub(video.ProcessingStartedAt) > s.cfg.Timeout
}

func (s *Service) settleTimeout(ctx context.Context, video *models.Video, actor string) (*Settlement, error) {
	msg := TimeoutMessage
	return s.settle(ctx, video, Outcome{
		Status:       models.VideoStatusFailed,
		ErrorMessage: &msg,
		Actor:        actor,
	})
}

// SettleVideo applies out to the video referenced by correlation id or primary key.
// Admin overrides use it; the worker callback has its own validation in HandleCallback.
func (s *Service) SettleVideo(ctx context.Context, videoRef string, out Outcome) (*Settlement, error) {
	video, err := s.findVideo(ctx, "production.SettleVideo", videoRef)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, video, out)
}
