// Package lease guards a conversation against two concurrent productions.
//
// The lease lives on the conversation row. It is held only while the flag is set
// and the expiry is in the future, so a holder that crashed frees the
// conversation once the TTL passes. Acquire clears such stale leases.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL = 20 * time.Minute

	ReasonProduction = "production in progress"
)

type Locker struct {
	db    *db.DB
	audit *audit.Log
	ttl   time.Duration
	now   func() time.Time
}

func NewLocker(database *db.DB, auditLog *audit.Log, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{db: database, audit: auditLog, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source.
func (l *Locker) WithClock(now func() time.Time) *Locker {
	l.now = now
	return l
}

// TTL returns the configured lease duration.
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// Acquire takes the lease for conversationID. If another holder has it,
// Acquire returns an apperr Conflict carrying the current expiry and reason.
func (l *Locker) Acquire(ctx context.Context, conversationID uuid.UUID, reason string) (models.Lease, error) {
	const op = "lease.Acquire"

	conv, err := l.db.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.Lease{}, apperr.NotFound(op, "conversation")
		}
		return models.Lease{}, apperr.Internal(op, err)
	}

	now := l.now().UTC()
	if conv.Lease.Held(now) {
		metrics.LeaseConflicts.Inc()
		return models.Lease{}, apperr.Conflict(op, conv.Lease.ExpiresAt, conv.Lease.Reason)
	}
	if conv.Lease.Expired(now) {
		log.Info().
			Str("conversation_id", conversationID.String()).
			Time("expired_at", *conv.Lease.ExpiresAt).
			Msg("Clearing expired lease")
	}

	expiresAt := now.Add(l.ttl)
	lease := models.Lease{Locked: true, ExpiresAt: &expiresAt, Reason: reason}

	ok, err := l.db.SwapLease(ctx, conversationID, conv.LockVersion, lease, now)
	if err != nil {
		return models.Lease{}, apperr.Internal(op, err)
	}
	if !ok {
		// Someone wrote the lease between our read and write. Report who holds it now.
		metrics.LeaseConflicts.Inc()
		current, err := l.db.GetConversation(ctx, conversationID)
		if err != nil {
			return models.Lease{}, apperr.Conflict(op, nil, reason)
		}
		return models.Lease{}, apperr.Conflict(op, current.Lease.ExpiresAt, current.Lease.Reason)
	}

	return lease, nil
}

// Release frees the lease. Releasing a free lease succeeds.
func (l *Locker) Release(ctx context.Context, conversationID uuid.UUID) error {
	if err := l.db.ClearLease(ctx, conversationID, l.now().UTC()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.NotFound("lease.Release", "conversation")
		}
		return apperr.Internal("lease.Release", err)
	}
	return nil
}

// ForceRelease frees the lease on an operator's behalf and records who did it.
func (l *Locker) ForceRelease(ctx context.Context, conversationID uuid.UUID, actor string) (models.Lease, error) {
	start := l.now()
	entry := audit.Entry{Operation: "lease.force_release", Actor: actor, ConversationID: &conversationID, Start: start}

	previous, err := l.Status(ctx, conversationID)
	if err == nil {
		err = l.Release(ctx, conversationID)
	}
	if err != nil {
		entry.Outcome = audit.OutcomeError
		entry.Detail = err.Error()
		l.audit.Record(ctx, entry)
		return models.Lease{}, err
	}

	entry.Outcome = audit.OutcomeOK
	if !previous.Held(start) {
		entry.Outcome = audit.OutcomeNoop
	}
	entry.Detail = previous.Reason
	l.audit.Record(ctx, entry)
	return previous, nil
}

// Status returns the lease as stored. Callers use Held to decide whether it excludes.
func (l *Locker) Status(ctx context.Context, conversationID uuid.UUID) (models.Lease, error) {
	conv, err := l.db.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.Lease{}, apperr.NotFound("lease.Status", "conversation")
		}
		return models.Lease{}, apperr.Internal("lease.Status", err)
	}
	return conv.Lease, nil
}
