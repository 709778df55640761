// Package production drives conversations and their videos through the
// production lifecycle: launch, dispatch, settlement by callback, timeout,
// cancellation, and admin override.
package production

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/briefs"
	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/dispatch"
	"github.com/bobarin/adreel/internal/events"
	"github.com/bobarin/adreel/internal/lease"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout        = 15 * time.Minute
	DefaultExpectedRender = 5 * time.Minute
)

// ImageResolver turns a stored image reference into a URL the worker can fetch.
type ImageResolver interface {
	ResolveImageURL(ctx context.Context, ref string) (string, error)
}

// Dispatcher hands a job to the generation worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) error
}

type Config struct {
	Pricing        credits.Pricing
	Timeout        time.Duration
	ExpectedRender time.Duration
	CallbackURL    string
}

// Deps are the collaborators a Service needs. Images, Briefs and Events are optional.
type Deps struct {
	DB         *db.DB
	Locker     *lease.Locker
	Images     ImageResolver
	Dispatcher Dispatcher
	Briefs     briefs.Writer
	Events     events.Publisher
	Audit      *audit.Log
}

type Service struct {
	db         *db.DB
	locker     *lease.Locker
	images     ImageResolver
	dispatcher Dispatcher
	briefs     briefs.Writer
	events     events.Publisher
	audit      *audit.Log
	cfg        Config
	now        func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ExpectedRender <= 0 {
		cfg.ExpectedRender = DefaultExpectedRender
	}
	if cfg.Pricing == (credits.Pricing{}) {
		cfg.Pricing = credits.Pricing{NewVideo: 10, Revision: 2.5}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Briefs == nil {
		d.Briefs = briefs.Static{}
	}

	return &Service{
		db:         d.DB,
		locker:     d.Locker,
		images:     d.Images,
		dispatcher: d.Dispatcher,
		briefs:     d.Briefs,
		events:     d.Events,
		audit:      d.Audit,
		cfg:        cfg,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Tests use it to step past timeouts.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = s.clock()
	}
	if err := s.events.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("type", e.Type).Str("conversation_id", e.ConversationID.String()).Msg("Failed to publish event")
	}
}

func (s *Service) notify(ctx context.Context, conversationID uuid.UUID, videoID *string, content string) {
	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           models.MessageRoleSystem,
		Content:        content,
		VideoID:        videoID,
		CreatedAt:      s.clock(),
	}
	if err := s.db.CreateMessage(ctx, msg); err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID.String()).Msg("Failed to post notice")
	}
}

// ownedConversation loads a conversation and hides it from anyone but its owner.
func (s *Service) ownedConversation(ctx context.Context, op string, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound(op, "conversation")
		}
		return nil, apperr.Internal(op, err)
	}
	if userID != uuid.Nil && conv.UserID != userID {
		return nil, apperr.NotFound(op, "conversation")
	}
	return conv, nil
}

func (s *Service) findVideo(ctx context.Context, op, ref string) (*models.Video, error) {
	video, err := s.db.FindVideo(ctx, ref)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound(op, "video")
		}
		return nil, apperr.Internal(op, err)
	}
	return video, nil
}
