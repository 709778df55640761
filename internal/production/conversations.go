package production

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/briefs"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/events"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxTitleLen = 60

// CreateConversation opens a draft conversation from the user's first message.
func (s *Service) CreateConversation(ctx context.Context, userID uuid.UUID, req models.CreateConversationRequest) (*models.Conversation, error) {
	const op = "production.CreateConversation"

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, apperr.Validation(op, "message is required")
	}
	if _, err := s.db.GetUser(ctx, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound(op, "user")
		}
		return nil, apperr.Internal(op, err)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = titleFrom(message)
	}

	now := s.clock()
	conv := &models.Conversation{
		ID:             uuid.New(),
		UserID:         userID,
		Title:          title,
		WorkflowState:  models.WorkflowStateDraft,
		LastActivityAt: &now,
		CreatedAt:      now,
	}
	if err := s.db.CreateConversation(ctx, conv); err != nil {
		return nil, apperr.Internal(op, err)
	}

	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           models.MessageRoleUser,
		Content:        message,
		CreatedAt:      now,
	}
	if err := s.db.CreateMessage(ctx, msg); err != nil {
		return nil, apperr.Internal(op, err)
	}

	return conv, nil
}

func titleFrom(message string) string {
	line := strings.SplitN(message, "\n", 2)[0]
	if utf8.RuneCountInString(line) <= maxTitleLen {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleLen])) + "…"
}

// RecordBrief stores the brief a user will approve and moves a draft to
// awaiting_approval. When brief is nil the configured writer drafts one from
// the first user message. A brief may be replaced until production starts.
func (s *Service) RecordBrief(ctx context.Context, conversationID, userID uuid.UUID, req models.RecordBriefRequest) (*models.Conversation, error) {
	const op = "production.RecordBrief"

	conv, err := s.ownedConversation(ctx, op, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.WorkflowState != models.WorkflowStateDraft && conv.WorkflowState != models.WorkflowStateAwaitingApproval {
		return nil, apperr.Validation(op, "the brief can only change before production starts")
	}

	var brief string
	if req.Brief != nil {
		brief = strings.TrimSpace(*req.Brief)
		if brief == "" {
			return nil, apperr.Validation(op, "brief is empty")
		}
	} else {
		brief, err = s.writeBrief(ctx, op, conv, req.ImageRef)
		if err != nil {
			return nil, err
		}
	}

	from := conv.WorkflowState
	ok, err := s.db.RecordBrief(ctx, conv.ID, brief, from, models.WorkflowStateAwaitingApproval, s.clock())
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, nil, "conversation changed while recording the brief")
	}

	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           models.MessageRoleAssistant,
		Content:        brief,
		CreatedAt:      s.clock(),
	}
	if err := s.db.CreateMessage(ctx, msg); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID.String()).Msg("Failed to store brief message")
	}

	s.publish(ctx, events.Event{
		Type:           events.TypeBriefRecorded,
		ConversationID: conv.ID,
		WorkflowState:  string(models.WorkflowStateAwaitingApproval),
	})

	updated, err := s.db.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return updated, nil
}

func (s *Service) writeBrief(ctx context.Context, op string, conv *models.Conversation, imageRef *string) (string, error) {
	messages, err := s.db.GetConversationMessages(ctx, conv.ID)
	if err != nil {
		return "", apperr.Internal(op, err)
	}

	var first string
	for _, m := range messages {
		if m.Role == models.MessageRoleUser {
			first = m.Content
			break
		}
	}
	if first == "" {
		return "", apperr.Validation(op, "conversation has no user message to brief from")
	}

	req := briefs.Request{Message: first}
	if imageRef != nil && strings.TrimSpace(*imageRef) != "" && s.images != nil {
		url, err := s.images.ResolveImageURL(ctx, *imageRef)
		if err != nil {
			return "", apperr.Dependency(op, "could not resolve product image", err)
		}
		req.ImageURL = url
	}

	brief, err := s.briefs.WriteBrief(ctx, req)
	if err != nil {
		return "", apperr.Dependency(op, "brief writer failed", err)
	}
	return brief, nil
}

// GetConversation returns the conversation with its videos and messages.
func (s *Service) GetConversation(ctx context.Context, conversationID, userID uuid.UUID) (*models.ConversationResponse, error) {
	const op = "production.GetConversation"

	conv, err := s.ownedConversation(ctx, op, conversationID, userID)
	if err != nil {
		return nil, err
	}

	videos, err := s.db.GetConversationVideos(ctx, conv.ID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	messages, err := s.db.GetConversationMessages(ctx, conv.ID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if videos == nil {
		videos = []models.Video{}
	}
	if messages == nil {
		messages = []models.Message{}
	}

	return &models.ConversationResponse{Conversation: *conv, Videos: videos, Messages: messages}, nil
}

// Cancel stops the conversation's active production on the owner's request.
// The video is cancelled, its credits refunded, and the conversation returns
// to awaiting_approval. The worker is not told; its late callback is discarded.
func (s *Service) Cancel(ctx context.Context, conversationID, userID uuid.UUID) (*Settlement, error) {
	const op = "production.Cancel"

	conv, err := s.ownedConversation(ctx, op, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.WorkflowState != models.WorkflowStateInProduction || conv.ActiveVideoID == nil {
		return nil, apperr.Validation(op, "no production is running")
	}

	video, err := s.findVideo(ctx, op, *conv.ActiveVideoID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Validation(op, "no production is running")
		}
		return nil, err
	}

	return s.settle(ctx, video, Outcome{Status: models.VideoStatusCancelled, Actor: ActorUser})
}

// LockStatus reports whether a production lease currently excludes launches.
func (s *Service) LockStatus(ctx context.Context, conversationID, userID uuid.UUID) (*models.LockStatusResponse, error) {
	const op = "production.LockStatus"

	if _, err := s.ownedConversation(ctx, op, conversationID, userID); err != nil {
		return nil, err
	}
	l, err := s.locker.Status(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	resp := &models.LockStatusResponse{Held: l.Held(s.clock())}
	if resp.Held {
		resp.LockedUntil = l.ExpiresAt
		resp.Reason = l.Reason
	}
	return resp, nil
}
