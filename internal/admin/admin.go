// Package admin is the operator escape hatch: list stuck productions, cancel
// or complete them by hand, read the audit trail and free a stuck lease.
// Every call checks the admin role and leaves an audit entry.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/lease"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/production"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultStuckThreshold = 15 * time.Minute

	maxLookups = 8
)

// Caller identifies who is acting. Role must be auth.RoleAdmin.
type Caller struct {
	Actor string
	Role  string
}

// FromClaims builds a Caller from a verified token.
func FromClaims(c *auth.Claims) Caller {
	if c == nil {
		return Caller{}
	}
	return Caller{Actor: c.Actor(), Role: c.Role}
}

func (c Caller) auditActor() string {
	return "admin:" + c.Actor
}

// StuckVideo is a processing video with the context an operator needs to act on it.
type StuckVideo struct {
	Video          models.Video         `json:"video"`
	WorkflowState  models.WorkflowState `json:"workflow_state,omitempty"`
	LockedUntil    *time.Time           `json:"locked_until,omitempty"`
	UserEmail      string               `json:"user_email,omitempty"`
	MinutesRunning int                  `json:"minutes_running"`
}

type Service struct {
	db         *db.DB
	production *production.Service
	locker     *lease.Locker
	audit      *audit.Log
	now        func() time.Time
}

func NewService(database *db.DB, prod *production.Service, locker *lease.Locker, auditLog *audit.Log) *Service {
	return &Service{db: database, production: prod, locker: locker, audit: auditLog, now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// authorize rejects non-admin callers and records the attempt.
func (s *Service) authorize(ctx context.Context, op string, caller Caller, entry audit.Entry) error {
	if caller.Role == auth.RoleAdmin && strings.TrimSpace(caller.Actor) != "" {
		return nil
	}
	entry.Operation = op
	entry.Actor = "admin:" + caller.Actor
	entry.Outcome = audit.OutcomeRejected
	entry.Detail = "admin role required"
	s.audit.Record(ctx, entry)
	return apperr.Forbidden(op, "admin role required")
}

func (s *Service) record(ctx context.Context, entry audit.Entry, err error, noop bool) {
	entry.Outcome = audit.OutcomeOK
	switch {
	case err != nil:
		entry.Outcome = audit.OutcomeError
		if k := apperr.KindOf(err); k == apperr.KindValidation || k == apperr.KindNotFound {
			entry.Outcome = audit.OutcomeRejected
		}
		if entry.Detail != "" {
			entry.Detail += ": "
		}
		entry.Detail += err.Error()
	case noop:
		entry.Outcome = audit.OutcomeNoop
	}
	s.audit.Record(ctx, entry)
}

// ListStuck returns processing videos older than threshold, oldest first.
func (s *Service) ListStuck(ctx context.Context, caller Caller, threshold time.Duration, limit int) ([]StuckVideo, error) {
	const op = "admin.list_stuck"
	start := s.now()
	entry := audit.Entry{Operation: op, Actor: caller.auditActor(), Start: start}
	if err := s.authorize(ctx, op, caller, entry); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}

	videos, err := s.production.ListStuck(ctx, threshold, limit)
	if err != nil {
		s.record(ctx, entry, err, false)
		return nil, err
	}

	out := make([]StuckVideo, len(videos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLookups)
	for i := range videos {
		i := i
		out[i] = StuckVideo{
			Video:          videos[i],
			MinutesRunning: int(start.Sub(videos[i].ProcessingStartedAt).Minutes()),
		}
		g.Go(func() error {
			conv, err := s.db.GetConversation(gctx, videos[i].ConversationID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
			if conv != nil {
				out[i].WorkflowState = conv.WorkflowState
				if conv.Lease.Held(start) {
					out[i].LockedUntil = conv.Lease.ExpiresAt
				}
			}
			user, err := s.db.GetUser(gctx, videos[i].UserID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
			if user != nil {
				out[i].UserEmail = user.Email
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = apperr.Internal(op, err)
		s.record(ctx, entry, err, false)
		return nil, err
	}

	entry.Detail = fmt.Sprintf("threshold=%s found=%d", threshold, len(out))
	s.record(ctx, entry, nil, false)
	return out, nil
}

// Cancel fails a processing video on the operator's behalf: credits are
// refunded, the lease is freed and the conversation returns to awaiting_approval.
func (s *Service) Cancel(ctx context.Context, caller Caller, videoID, reason string) (*production.Settlement, error) {
	const op = "admin.cancel"
	entry := audit.Entry{Operation: op, Actor: caller.auditActor(), VideoID: &videoID, Start: s.now()}
	if err := s.authorize(ctx, op, caller, entry); err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by support"
	}
	settlement, err := s.production.SettleVideo(ctx, videoID, production.Outcome{
		Status:       models.VideoStatusCancelled,
		ErrorMessage: &reason,
		Actor:        caller.auditActor(),
	})
	entry.Detail = "reason=" + reason
	s.annotate(&entry, settlement)
	s.record(ctx, entry, err, settlement != nil && !settlement.Applied)
	if err != nil && settlement == nil {
		return nil, err
	}
	return settlement, err
}

// ForceComplete marks a processing video completed without hearing from the worker.
func (s *Service) ForceComplete(ctx context.Context, caller Caller, videoID, videoURL string) (*production.Settlement, error) {
	const op = "admin.force_complete"
	entry := audit.Entry{Operation: op, Actor: caller.auditActor(), VideoID: &videoID, Start: s.now()}
	if err := s.authorize(ctx, op, caller, entry); err != nil {
		return nil, err
	}

	videoURL = strings.TrimSpace(videoURL)
	if !strings.HasPrefix(videoURL, "http://") && !strings.HasPrefix(videoURL, "https://") {
		err := apperr.Validation(op, "video_url must be an http(s) URL")
		s.record(ctx, entry, err, false)
		return nil, err
	}

	settlement, err := s.production.SettleVideo(ctx, videoID, production.Outcome{
		Status:   models.VideoStatusCompleted,
		VideoURL: &videoURL,
		Actor:    caller.auditActor(),
	})
	entry.Detail = "video_url=" + videoURL
	s.annotate(&entry, settlement)
	s.record(ctx, entry, err, settlement != nil && !settlement.Applied)
	if err != nil && settlement == nil {
		return nil, err
	}
	return settlement, err
}

func (s *Service) annotate(entry *audit.Entry, settlement *production.Settlement) {
	if settlement == nil || settlement.Video == nil {
		return
	}
	entry.ConversationID = &settlement.Video.ConversationID
	entry.UserID = &settlement.Video.UserID
	if !settlement.Applied {
		entry.Detail += " (already " + string(settlement.Video.Status) + ")"
	}
}

// GetLogs returns audit entries for a video or a conversation, newest first.
func (s *Service) GetLogs(ctx context.Context, caller Caller, videoID string, conversationID *uuid.UUID, limit int) ([]models.AuditEntry, error) {
	const op = "admin.get_logs"
	entry := audit.Entry{Operation: op, Actor: caller.auditActor(), ConversationID: conversationID, Start: s.now()}
	if videoID != "" {
		entry.VideoID = &videoID
	}
	if err := s.authorize(ctx, op, caller, entry); err != nil {
		return nil, err
	}
	if videoID == "" && conversationID == nil {
		err := apperr.Validation(op, "video_id or conversation_id is required")
		s.record(ctx, entry, err, false)
		return nil, err
	}

	entries, err := s.audit.List(ctx, videoID, conversationID, limit)
	if err != nil {
		err = apperr.Internal(op, err)
		s.record(ctx, entry, err, false)
		return nil, err
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	entry.Detail = fmt.Sprintf("returned=%d", len(entries))
	s.record(ctx, entry, nil, false)
	return entries, nil
}

// ForceUnlock frees a conversation's lease. The production it guarded, if
// any, is left running; cancel it first to refund.
func (s *Service) ForceUnlock(ctx context.Context, caller Caller, conversationID uuid.UUID) (models.Lease, error) {
	const op = "admin.force_unlock"
	if err := s.authorize(ctx, op, caller, audit.Entry{ConversationID: &conversationID, Start: s.now()}); err != nil {
		return models.Lease{}, err
	}
	return s.locker.ForceRelease(ctx, conversationID, caller.auditActor())
}
