package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/apperr"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const provider = "stripe"

// Result reports what one webhook delivery did.
type Result struct {
	EventID   string     `json:"event_id"`
	Type      string     `json:"type"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Duplicate bool       `json:"duplicate"`
	Applied   bool       `json:"applied"`
}

// VerifyEvent checks the Stripe-Signature header before anything is decoded.
func (r *Reconciler) VerifyEvent(payload []byte, sigHeader string) (stripelib.Event, error) {
	const op = "billing.VerifyEvent"

	if strings.TrimSpace(r.secret) == "" {
		return stripelib.Event{}, apperr.Dependency(op, "webhook secret not configured", nil)
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripelib.Event{}, apperr.Validation(op, "missing Stripe signature")
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, r.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripelib.Event{}, apperr.Wrap(apperr.KindValidation, op, "invalid Stripe signature", err)
	}
	return event, nil
}

// HandleWebhook verifies and applies one Stripe delivery.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (*Result, error) {
	event, err := r.VerifyEvent(payload, sigHeader)
	if err != nil {
		metrics.BillingEvents.WithLabelValues("unverified", "rejected").Inc()
		return nil, err
	}
	return r.HandleEvent(ctx, event)
}

// HandleEvent applies a verified event at most once per event id. If applying
// fails the claim is released so Stripe's retry is processed again.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripelib.Event) (*Result, error) {
	const op = "billing.HandleEvent"
	start := r.clock()
	eventType := string(event.Type)
	res := &Result{EventID: event.ID, Type: eventType}

	if event.ID == "" {
		return nil, apperr.Validation(op, "event has no id")
	}

	claimed, err := r.db.ClaimWebhookEvent(ctx, provider, event.ID, eventType, start)
	if err != nil {
		metrics.BillingEvents.WithLabelValues(eventType, "error").Inc()
		return nil, apperr.Internal(op, err)
	}
	if !claimed {
		res.Duplicate = true
		metrics.BillingEvents.WithLabelValues(eventType, "duplicate").Inc()
		log.Info().Str("event_id", event.ID).Str("type", eventType).Msg("Stripe event already processed")
		return res, nil
	}

	userID, applied, err := r.dispatch(ctx, event)
	res.UserID = userID
	res.Applied = applied

	entry := audit.Entry{
		Operation: "billing.webhook",
		Actor:     provider,
		Outcome:   audit.OutcomeOK,
		UserID:    userID,
		Detail:    eventType + " " + event.ID,
		Start:     start,
	}

	if err != nil {
		if relErr := r.db.ReleaseWebhookEvent(context.WithoutCancel(ctx), provider, event.ID); relErr != nil {
			log.Error().Err(relErr).Str("event_id", event.ID).Msg("Failed to release webhook claim")
		}
		metrics.BillingEvents.WithLabelValues(eventType, "error").Inc()
		entry.Outcome = audit.OutcomeError
		entry.Detail += ": " + err.Error()
		r.audit.Record(ctx, entry)
		log.Error().Err(err).Str("event_id", event.ID).Str("type", eventType).Msg("Stripe webhook processing failed")
		return res, err
	}

	result := "applied"
	if !applied {
		result = "ignored"
		entry.Outcome = audit.OutcomeNoop
	}
	metrics.BillingEvents.WithLabelValues(eventType, result).Inc()
	r.audit.Record(ctx, entry)
	return res, nil
}

func (r *Reconciler) dispatch(ctx context.Context, event stripelib.Event) (*uuid.UUID, bool, error) {
	if event.Data == nil {
		return nil, false, apperr.Validation("billing.dispatch", "event has no data")
	}
	raw := event.Data.Raw

	switch event.Type {
	case "checkout.session.completed":
		var sess checkoutSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, false, decodeErr("checkout.session", err)
		}
		return r.handleCheckout(ctx, sess)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub subscriptionObject
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, false, decodeErr("subscription", err)
		}
		return r.handleSubscriptionChanged(ctx, sub)

	case "customer.subscription.deleted":
		var sub subscriptionObject
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, false, decodeErr("subscription", err)
		}
		return r.handleSubscriptionDeleted(ctx, sub)

	case "invoice.payment_succeeded", "invoice.paid":
		var inv invoiceObject
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, false, decodeErr("invoice", err)
		}
		return r.handleInvoicePaid(ctx, inv)

	case "invoice.payment_failed":
		var inv invoiceObject
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, false, decodeErr("invoice", err)
		}
		return r.handleInvoiceFailed(ctx, inv)

	default:
		log.Info().Str("type", string(event.Type)).Str("event_id", event.ID).Msg("Stripe webhook ignored (unhandled type)")
		return nil, false, nil
	}
}

func decodeErr(what string, err error) error {
	return apperr.Wrap(apperr.KindValidation, "billing.dispatch", "could not decode "+what, err)
}

// checkoutSession is the subset of a Stripe checkout.session this service reads.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionObject is the subset of a Stripe subscription this service reads.
type subscriptionObject struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) normalize() *Subscription {
	out := &Subscription{ID: s.ID, CustomerID: s.Customer, Status: s.Status, Metadata: s.Metadata}
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			out.PriceIDs = append(out.PriceIDs, item.Price.ID)
		}
	}
	return out
}

// invoiceObject is the subset of a Stripe invoice this service reads.
type invoiceObject struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	BillingReason string `json:"billing_reason"`
	Subscription  string `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// subscriptionID reads the subscription from the invoice parent, falling back
// to the top-level field older API versions send.
func (inv invoiceObject) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return inv.Parent.SubscriptionDetails.Subscription
	}
	return inv.Subscription
}

func (r *Reconciler) handleCheckout(ctx context.Context, sess checkoutSession) (*uuid.UUID, bool, error) {
	const op = "billing.checkout"

	userID, err := r.resolveUser(ctx, op, sess.Customer, sess.ClientReferenceID, sess.Metadata["user_id"])
	if err != nil {
		return nil, false, err
	}

	plan, ok := credits.ParsePlan(sess.Metadata["plan"])
	if !ok && sess.Subscription != "" && r.source != nil {
		sub, err := r.source.Subscription(ctx, sess.Subscription)
		if err != nil {
			return &userID, false, apperr.Dependency(op, "could not read subscription", err)
		}
		plan, ok = r.planFor(sub)
	}
	if !ok {
		return &userID, false, apperr.Validation(op, "checkout session does not name a plan")
	}

	_, changed, err := r.update(ctx, op, userID, func(u *models.User, next *db.BillingUpdate, now time.Time) {
		if plan != u.CurrentPlan {
			next.Credits = credits.PlanChange(u.Credits, u.CurrentPlan, plan)
			next.Plan = plan
			next.CreditsResetAt = &now
		}
		next.SubscriptionStatus = models.SubscriptionStatusActive
		if sess.Customer != "" {
			next.StripeCustomerID = strPtr(sess.Customer)
		}
		if sess.Subscription != "" {
			next.StripeSubscriptionID = strPtr(sess.Subscription)
		}
	})
	return &userID, changed, err
}

func (r *Reconciler) handleSubscriptionChanged(ctx context.Context, obj subscriptionObject) (*uuid.UUID, bool, error) {
	const op = "billing.subscription"

	userID, err := r.resolveUser(ctx, op, obj.Customer, "", obj.Metadata["user_id"])
	if err != nil {
		return nil, false, err
	}
	_, changed, err := r.applySubscription(ctx, userID, obj.normalize())
	return &userID, changed, err
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, obj subscriptionObject) (*uuid.UUID, bool, error) {
	const op = "billing.subscription_deleted"

	userID, err := r.resolveUser(ctx, op, obj.Customer, "", obj.Metadata["user_id"])
	if err != nil {
		return nil, false, err
	}
	_, changed, err := r.update(ctx, op, userID, func(u *models.User, next *db.BillingUpdate, now time.Time) {
		cancelInto(u, next, obj.ID, now)
	})
	return &userID, changed, err
}

func (r *Reconciler) handleInvoicePaid(ctx context.Context, inv invoiceObject) (*uuid.UUID, bool, error) {
	const op = "billing.invoice_paid"

	userID, err := r.resolveUser(ctx, op, inv.Customer, "", "")
	if err != nil {
		return nil, false, err
	}
	subID := inv.subscriptionID()

	_, changed, err := r.update(ctx, op, userID, func(u *models.User, next *db.BillingUpdate, now time.Time) {
		if subID != "" && u.StripeSubscriptionID != nil && *u.StripeSubscriptionID != subID {
			return
		}
		next.SubscriptionStatus = models.SubscriptionStatusActive
		if inv.BillingReason == "subscription_cycle" {
			next.Credits = credits.MonthlyReset(u.CurrentPlan)
			next.CreditsResetAt = &now
		}
	})
	return &userID, changed, err
}

func (r *Reconciler) handleInvoiceFailed(ctx context.Context, inv invoiceObject) (*uuid.UUID, bool, error) {
	const op = "billing.invoice_failed"

	userID, err := r.resolveUser(ctx, op, inv.Customer, "", "")
	if err != nil {
		return nil, false, err
	}
	subID := inv.subscriptionID()

	_, changed, err := r.update(ctx, op, userID, func(u *models.User, next *db.BillingUpdate, now time.Time) {
		if subID != "" && u.StripeSubscriptionID != nil && *u.StripeSubscriptionID != subID {
			return
		}
		next.SubscriptionStatus = models.SubscriptionStatusPastDue
	})
	return &userID, changed, err
}

// resolveUser finds the user an event belongs to. An explicit reference wins
// over the customer lookup. An unknown user is NotFound so Stripe retries;
// events can arrive before the checkout that links the customer.
func (r *Reconciler) resolveUser(ctx context.Context, op, customerID string, refs ...string) (uuid.UUID, error) {
	for _, ref := range refs {
		if ref = strings.TrimSpace(ref); ref == "" {
			continue
		}
		id, err := uuid.Parse(ref)
		if err != nil {
			return uuid.Nil, apperr.Validation(op, fmt.Sprintf("invalid user reference %q", ref))
		}
		if _, err := r.db.GetUser(ctx, id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return uuid.Nil, apperr.NotFound(op, "user")
			}
			return uuid.Nil, apperr.Internal(op, err)
		}
		return id, nil
	}

	if customerID = strings.TrimSpace(customerID); customerID == "" {
		return uuid.Nil, apperr.Validation(op, "event names neither a user nor a customer")
	}
	u, err := r.db.GetUserByStripeCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return uuid.Nil, apperr.NotFound(op, "user for customer")
		}
		return uuid.Nil, apperr.Internal(op, err)
	}
	return u.ID, nil
}
