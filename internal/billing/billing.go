// Package billing keeps users' plans and credit balances in step with Stripe.
//
// The webhook handler and the on-demand Sync share the same rules, so a user
// who revisits the app ends up with the balance the webhook would have given.
// Every balance write is a compare-and-swap on credits_version, which keeps
// billing from clobbering debits and refunds made concurrently by productions.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// BaselineInterval is how often a Free user's balance is topped back up.
	BaselineInterval = 30 * 24 * time.Hour

	maxWriteAttempts = 5
)

// Subscription is the provider-neutral view of a payment subscription.
type Subscription struct {
	ID         string
	CustomerID string
	Status     string
	PriceIDs   []string
	Metadata   map[string]string
}

// SubscriptionSource reads a subscription from the payment provider.
type SubscriptionSource interface {
	Subscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

type Config struct {
	WebhookSecret string
	Catalog       *credits.Catalog
}

type Reconciler struct {
	db      *db.DB
	audit   *audit.Log
	source  SubscriptionSource
	catalog *credits.Catalog
	secret  string
	now     func() time.Time
}

// New builds a Reconciler. source may be nil, in which case Sync only applies
// the baseline grant and checkout sessions must carry the plan in metadata.
func New(database *db.DB, auditLog *audit.Log, source SubscriptionSource, cfg Config) *Reconciler {
	return &Reconciler{
		db:      database,
		audit:   auditLog,
		source:  source,
		catalog: cfg.Catalog,
		secret:  cfg.WebhookSecret,
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

func (r *Reconciler) clock() time.Time {
	return r.now().UTC()
}

// EnsureUser creates the user on first sight and applies the baseline grant
// when it is due. Users with any paid indicator are never topped up.
func (r *Reconciler) EnsureUser(ctx context.Context, userID uuid.UUID, email string) (*models.User, error) {
	const op = "billing.EnsureUser"

	u, err := r.db.EnsureUser(ctx, userID, email, r.clock())
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return r.grantBaseline(ctx, op, u)
}

func (r *Reconciler) grantBaseline(ctx context.Context, op string, u *models.User) (*models.User, error) {
	if credits.PaidIndicator(u) {
		return u, nil
	}

	now := r.clock()
	granted, err := r.db.GrantBaseline(ctx, u.ID, credits.Allotment(models.PlanFree), now, now.Add(-BaselineInterval))
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if !granted {
		return u, nil
	}

	log.Info().Str("user_id", u.ID.String()).Msg("Granted baseline credits")
	r.audit.Record(ctx, audit.Entry{
		Operation: "billing.baseline_grant",
		Actor:     "system",
		Outcome:   audit.OutcomeOK,
		UserID:    &u.ID,
		Detail:    fmt.Sprintf("credits=%.1f", credits.Allotment(models.PlanFree)),
		Start:     now,
	})

	updated, err := r.db.GetUser(ctx, u.ID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return updated, nil
}

// Sync re-reads the user's subscription from the provider and applies the
// same rules as the webhook. A user with no subscription gets the baseline
// grant instead, unless some paid indicator is present.
func (r *Reconciler) Sync(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	const op = "billing.Sync"
	start := r.clock()

	u, err := r.db.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound(op, "user")
		}
		return nil, apperr.Internal(op, err)
	}

	if u.StripeSubscriptionID == nil || *u.StripeSubscriptionID == "" || r.source == nil {
		return r.grantBaseline(ctx, op, u)
	}

	sub, err := r.source.Subscription(ctx, *u.StripeSubscriptionID)
	if err != nil {
		return nil, apperr.Dependency(op, "could not read subscription", err)
	}

	updated, changed, err := r.applySubscription(ctx, u.ID, sub)
	outcome := audit.OutcomeOK
	switch {
	case err != nil:
		outcome = audit.OutcomeError
	case !changed:
		outcome = audit.OutcomeNoop
	}
	r.audit.Record(ctx, audit.Entry{
		Operation: "billing.sync",
		Actor:     userID.String(),
		Outcome:   outcome,
		UserID:    &userID,
		Detail:    "subscription " + sub.ID + " status=" + sub.Status,
		Start:     start,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applySubscription moves the user onto the subscription's plan and status.
// A subscription that has ended is treated like a deletion.
func (r *Reconciler) applySubscription(ctx context.Context, userID uuid.UUID, sub *Subscription) (*models.User, bool, error) {
	status := SubscriptionStatus(sub.Status)
	ended := sub.Status == "canceled" || sub.Status == "incomplete_expired"

	return r.update(ctx, "billing.applySubscription", userID, func(u *models.User, next *db.BillingUpdate, now time.Time) {
		if ended {
			cancelInto(u, next, sub.ID, now)
			return
		}

		next.SubscriptionStatus = status
		next.StripeSubscriptionID = strPtr(sub.ID)
		if sub.CustomerID != "" {
			next.StripeCustomerID = strPtr(sub.CustomerID)
		}
		if status != models.SubscriptionStatusActive {
			return
		}
		if plan, ok := r.planFor(sub); ok && plan != u.CurrentPlan {
			next.Credits = credits.PlanChange(u.Credits, u.CurrentPlan, plan)
			next.Plan = plan
			next.CreditsResetAt = &now
		}
	})
}

// cancelInto applies the deletion rule unless the user has already moved on
// to a different subscription or was already cancelled.
func cancelInto(u *models.User, next *db.BillingUpdate, subscriptionID string, now time.Time) {
	if u.StripeSubscriptionID != nil && *u.StripeSubscriptionID != "" && subscriptionID != "" && *u.StripeSubscriptionID != subscriptionID {
		return
	}
	if u.StripeSubscriptionID == nil && u.CurrentPlan == models.PlanFree {
		return
	}
	plan, balance := credits.Cancellation()
	next.Plan = plan
	next.Credits = balance
	next.SubscriptionStatus = models.SubscriptionStatusInactive
	next.StripeSubscriptionID = nil
	next.CreditsResetAt = &now
}

// planFor resolves a subscription's plan from its prices, falling back to metadata.
func (r *Reconciler) planFor(sub *Subscription) (models.Plan, bool) {
	for _, price := range sub.PriceIDs {
		if plan, ok := r.catalog.PlanForPrice(price); ok {
			return plan, true
		}
	}
	if name, ok := sub.Metadata["plan"]; ok {
		return credits.ParsePlan(name)
	}
	return "", false
}

// SubscriptionStatus maps a provider status onto the three statuses users carry.
func SubscriptionStatus(providerStatus string) models.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active", "trialing":
		return models.SubscriptionStatusActive
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	default:
		return models.SubscriptionStatusInactive
	}
}

type mutation func(u *models.User, next *db.BillingUpdate, now time.Time)

// update reads the user, lets mutate edit a copy of the billing fields and
// writes it back if credits_version has not moved. A lost race re-reads and
// re-applies, up to maxWriteAttempts times.
func (r *Reconciler) update(ctx context.Context, op string, userID uuid.UUID, mutate mutation) (*models.User, bool, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		u, err := r.db.GetUser(ctx, userID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, false, apperr.NotFound(op, "user")
			}
			return nil, false, apperr.Internal(op, err)
		}

		now := r.clock()
		current := billingOf(u)
		next := current
		mutate(u, &next, now)
		if sameBilling(current, next) {
			return u, false, nil
		}

		ok, err := r.db.SetBilling(ctx, u.ID, u.CreditsVersion, next, now)
		if err != nil {
			return nil, false, apperr.Internal(op, err)
		}
		if ok {
			updated, err := r.db.GetUser(ctx, u.ID)
			if err != nil {
				return nil, true, apperr.Internal(op, err)
			}
			return updated, true, nil
		}

		log.Debug().Str("user_id", userID.String()).Int("attempt", attempt+1).Msg("Billing write lost a race, retrying")
	}
	return nil, false, apperr.Conflict(op, nil, "billing state kept changing")
}

func billingOf(u *models.User) db.BillingUpdate {
	return db.BillingUpdate{
		Credits:              u.Credits,
		Plan:                 u.CurrentPlan,
		SubscriptionStatus:   u.SubscriptionStatus,
		StripeCustomerID:     u.StripeCustomerID,
		StripeSubscriptionID: u.StripeSubscriptionID,
		CreditsResetAt:       u.CreditsResetAt,
	}
}

func sameBilling(a, b db.BillingUpdate) bool {
	return a.Credits == b.Credits &&
		a.Plan == b.Plan &&
		a.SubscriptionStatus == b.SubscriptionStatus &&
		sameString(a.StripeCustomerID, b.StripeCustomerID) &&
		sameString(a.StripeSubscriptionID, b.StripeSubscriptionID) &&
		sameTime(a.CreditsResetAt, b.CreditsResetAt)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
