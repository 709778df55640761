package production

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/dispatch"
	"github.com/bobarin/adreel/internal/events"
	"github.com/bobarin/adreel/internal/lease"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const compensateTimeout = 30 * time.Second

// StartInput is a launch request for one conversation.
type StartInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Brief          *string
	ImageRef       string
	IsRevision     bool
}

// CorrelationID builds the id shared with the worker for one production.
func CorrelationID(conversationID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("video_%s_%d", conversationID, at.UnixMilli())
}

// compensation undoes one committed launch step.
type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// rollback collects the undo steps of one launch. Once the video row exists
// the rollback has to win it back from the settlers before undoing anything:
// a video settled while dispatch was in flight already carries its refund and
// its workflow move.
type rollback struct {
	conversationID uuid.UUID
	video          *models.Video
	steps          []compensation
}

func (r *rollback) add(name string, undo func(ctx context.Context) error) {
	r.steps = append(r.steps, compensation{name: name, undo: undo})
}

// StartProduction checks credits, takes the lease, debits, creates the video,
// moves the conversation into production and dispatches to the worker.
// If any step after the lease fails, the committed steps are undone in reverse.
func (s *Service) StartProduction(ctx context.Context, in StartInput) (*models.StartProductionResponse, error) {
	start := s.clock()
	kind := "new"
	if in.IsRevision {
		kind = "revision"
	}

	resp, err := s.startProduction(ctx, in)
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	metrics.ProductionsStarted.WithLabelValues(kind, result).Inc()

	entry := audit.Entry{
		Operation:      "production.start",
		Actor:          in.UserID.String(),
		Outcome:        audit.OutcomeOK,
		ConversationID: &in.ConversationID,
		UserID:         &in.UserID,
		Detail:         kind,
		Start:          start,
	}
	if resp != nil {
		entry.VideoID = &resp.VideoID
	}
	if err != nil {
		entry.Outcome = audit.OutcomeRejected
		if k := apperr.KindOf(err); k == apperr.KindInternal || k == apperr.KindDependency {
			entry.Outcome = audit.OutcomeError
		}
		entry.Detail = kind + ": " + err.Error()
	}
	s.audit.Record(ctx, entry)

	return resp, err
}

func (s *Service) startProduction(ctx context.Context, in StartInput) (*models.StartProductionResponse, error) {
	const op = "production.StartProduction"

	conv, err := s.ownedConversation(ctx, op, in.ConversationID, in.UserID)
	if err != nil {
		return nil, err
	}

	prompt, recordBrief, err := s.admit(ctx, op, conv, in)
	if err != nil {
		return nil, err
	}

	var imageURL *string
	if ref := strings.TrimSpace(in.ImageRef); ref != "" {
		if s.images == nil {
			return nil, apperr.Dependency(op, "image storage is not configured", nil)
		}
		resolved, err := s.images.ResolveImageURL(ctx, ref)
		if err != nil {
			return nil, apperr.Dependency(op, "could not resolve product image", err)
		}
		imageURL = &resolved
	}

	required := s.cfg.Pricing.Required(in.IsRevision)
	user, err := s.db.GetUser(ctx, conv.UserID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if user.Credits < required {
		return nil, apperr.InsufficientCredits(op, user.Credits, required)
	}

	held, err := s.locker.Acquire(ctx, conv.ID, lease.ReasonProduction)
	if err != nil {
		return nil, err
	}

	rb := &rollback{conversationID: conv.ID}
	fail := func(cause error) (*models.StartProductionResponse, error) {
		s.compensate(ctx, rb)
		return nil, cause
	}
	rb.add("release lease", func(ctx context.Context) error {
		return s.locker.Release(ctx, conv.ID)
	})

	now := s.clock()
	if recordBrief {
		ok, err := s.db.RecordBrief(ctx, conv.ID, prompt, models.WorkflowStateDraft, models.WorkflowStateAwaitingApproval, now)
		if err != nil {
			return fail(apperr.Internal(op, err))
		}
		if !ok {
			return fail(apperr.Conflict(op, nil, "conversation changed while recording the brief"))
		}
		previous := conv.Brief
		rb.add("revert brief", func(ctx context.Context) error {
			reverted, err := s.db.RevertBrief(ctx, conv.ID, previous, s.clock())
			if err == nil && !reverted {
				err = fmt.Errorf("conversation %s left awaiting_approval", conv.ID)
			}
			return err
		})
	}

	debited, err := s.db.DebitCredits(ctx, user.ID, required, now)
	if err != nil {
		return fail(apperr.Internal(op, err))
	}
	if !debited {
		// Balance dropped between the check and the debit.
		current := 0.0
		if u, err := s.db.GetUser(ctx, user.ID); err == nil {
			current = u.Credits
		}
		return fail(apperr.InsufficientCredits(op, current, required))
	}
	rb.add("refund credits", func(ctx context.Context) error {
		return s.db.RefundCredits(ctx, user.ID, required, s.clock())
	})

	video := &models.Video{
		ID:                  uuid.New(),
		VideoID:             CorrelationID(conv.ID, now),
		ConversationID:      conv.ID,
		UserID:              user.ID,
		Status:              models.VideoStatusProcessing,
		Prompt:              prompt,
		ImageURL:            imageURL,
		CreditsUsed:         required,
		IsRevision:          in.IsRevision,
		ProcessingStartedAt: now,
	}
	if err := s.db.CreateVideo(ctx, video); err != nil {
		return fail(apperr.Internal(op, err))
	}
	rb.video = video

	// Reload so the restore step puts back exactly what was there.
	before, err := s.db.GetConversation(ctx, conv.ID)
	if err != nil {
		return fail(apperr.Internal(op, err))
	}
	if !CanLaunch(before.WorkflowState) {
		return fail(apperr.Validation(op, fmt.Sprintf("conversation cannot start production from %s", before.WorkflowState)))
	}
	begun, err := s.db.BeginProduction(ctx, conv.ID, video.VideoID, before.WorkflowState, now)
	if err != nil {
		return fail(apperr.Internal(op, err))
	}
	if !begun {
		return fail(apperr.Conflict(op, nil, "conversation changed during launch"))
	}
	rb.add("restore conversation", func(ctx context.Context) error {
		restored, err := s.db.RestoreProduction(ctx, before.ID, video.VideoID, before.WorkflowState, before.ActiveVideoID, before.ProductionStartedAt, s.clock())
		if err == nil && !restored {
			err = fmt.Errorf("conversation %s no longer in production for %s", before.ID, video.VideoID)
		}
		return err
	})

	job := dispatch.Job{
		VideoID:     video.VideoID,
		ChatID:      conv.ID.String(),
		UserID:      user.ID.String(),
		Prompt:      prompt,
		ImageURL:    imageURL,
		IsRevision:  in.IsRevision,
		CallbackURL: s.cfg.CallbackURL,
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		log.Error().Err(err).Str("video_id", video.VideoID).Msg("Worker dispatch failed, rolling back launch")
		return fail(apperr.Dependency(op, "generation worker did not accept the job", err))
	}

	metrics.CreditsDebited.Add(required)
	s.publish(ctx, events.Event{
		Type:           events.TypeProductionStarted,
		ConversationID: conv.ID,
		VideoID:        video.VideoID,
		Status:         string(models.VideoStatusProcessing),
		WorkflowState:  string(models.WorkflowStateInProduction),
	})
	log.Info().
		Str("video_id", video.VideoID).
		Str("conversation_id", conv.ID.String()).
		Float64("credits", required).
		Bool("revision", in.IsRevision).
		Msg("Production started")

	remaining := user.Credits - required
	if u, err := s.db.GetUser(ctx, user.ID); err == nil {
		remaining = u.Credits
	}

	return &models.StartProductionResponse{
		VideoID:        video.VideoID,
		ConversationID: conv.ID,
		WorkflowState:  models.WorkflowStateInProduction,
		CreditsUsed:    required,
		CreditsLeft:    remaining,
		LockedUntil:    *held.ExpiresAt,
	}, nil
}

// admit checks that conv may launch and returns the prompt to produce.
// A draft conversation needs a supplied brief, which the launch records once
// it holds the lease (recordBrief).
func (s *Service) admit(ctx context.Context, op string, conv *models.Conversation, in StartInput) (prompt string, recordBrief bool, err error) {
	var supplied string
	if in.Brief != nil {
		supplied = strings.TrimSpace(*in.Brief)
	}

	switch {
	case conv.WorkflowState == models.WorkflowStateInProduction:
		if conv.Lease.Held(s.clock()) {
			return "", false, apperr.Conflict(op, conv.Lease.ExpiresAt, conv.Lease.Reason)
		}
		return "", false, apperr.Conflict(op, nil, "production in progress")
	case conv.WorkflowState == models.WorkflowStateDraft:
		if supplied == "" {
			return "", false, apperr.Validation(op, "a brief is required before the first production")
		}
		if in.IsRevision {
			return "", false, apperr.Validation(op, "a revision needs a completed video")
		}
		return supplied, true, nil
	case !CanLaunch(conv.WorkflowState):
		return "", false, apperr.Validation(op, fmt.Sprintf("conversation cannot start production from %s", conv.WorkflowState))
	}

	if in.IsRevision && conv.WorkflowState != models.WorkflowStateCompleted {
		return "", false, apperr.Validation(op, "a revision needs a completed video")
	}

	if supplied != "" {
		return supplied, false, nil
	}
	if conv.Brief != nil && strings.TrimSpace(*conv.Brief) != "" {
		return strings.TrimSpace(*conv.Brief), false, nil
	}
	return "", false, apperr.Validation(op, "brief is required")
}

// compensate undoes a failed launch and outlives a cancelled request.
// If the video row exists it is discarded first with a conditional delete.
// Losing that delete to a settlement means the settlement already refunded
// and moved the conversation on, so the remaining steps are skipped.
// Otherwise the steps run in reverse order, continuing past failures.
func (s *Service) compensate(ctx context.Context, rb *rollback) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	entry := audit.Entry{
		Operation:      "production.rollback",
		Actor:          "system",
		Outcome:        audit.OutcomeOK,
		ConversationID: &rb.conversationID,
		Start:          s.clock(),
	}
	logger := log.With().Str("conversation_id", rb.conversationID.String()).Logger()

	undone := len(rb.steps)
	if rb.video != nil {
		entry.VideoID = &rb.video.VideoID
		logger = logger.With().Str("video_id", rb.video.VideoID).Logger()

		discarded, err := s.db.DiscardProcessingVideo(ctx, rb.video.ID)
		if err != nil {
			// The row stays processing; the timeout path settles and refunds it.
			logger.Error().Err(err).Msg("Could not discard video after failed launch, leaving it to the timeout")
			entry.Outcome = audit.OutcomeError
			entry.Detail = "discard video: " + err.Error()
			s.audit.Record(ctx, entry)
			return
		}
		if !discarded {
			logger.Warn().Msg("Video settled while the launch was failing, keeping the settlement")
			entry.Outcome = audit.OutcomeNoop
			entry.Detail = "video already settled; nothing undone"
			s.audit.Record(ctx, entry)
			return
		}
		undone++
	}

	var failed []string
	for i := len(rb.steps) - 1; i >= 0; i-- {
		step := rb.steps[i]
		if err := step.undo(ctx); err != nil {
			failed = append(failed, step.name)
			logger.Error().Err(err).Str("step", step.name).Msg("Launch compensation step failed")
		}
	}

	entry.Detail = fmt.Sprintf("undid %d steps", undone)
	if len(failed) > 0 {
		entry.Outcome = audit.OutcomeError
		entry.Detail += "; failed: " + strings.Join(failed, ", ")
	}
	s.audit.Record(ctx, entry)
	s.publish(ctx, events.Event{Type: events.TypeProductionRollback, ConversationID: rb.conversationID})
}
