package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

const userColumns = `
	id, email, credits, current_plan, subscription_status,
	stripe_customer_id, stripe_subscription_id, credits_version,
	credits_reset_at, created_at, updated_at
`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u                      models.User
		customerID, subID      sql.NullString
		resetAt                sql.NullInt64
		createdAt, updatedAt   int64
		plan, subscriptionStat string
	)
	if err := row.Scan(
		&u.ID, &u.Email, &u.Credits, &plan, &subscriptionStat,
		&customerID, &subID, &u.CreditsVersion,
		&resetAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	u.CurrentPlan = models.Plan(plan)
	u.SubscriptionStatus = models.SubscriptionStatus(subscriptionStat)
	u.StripeCustomerID = stringPtr(customerID)
	u.StripeSubscriptionID = stringPtr(subID)
	u.CreditsResetAt = timePtr(resetAt)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

// CreateUser inserts a new user record.
// The ID should match the identity provider's subject for the user.
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt
	if user.CurrentPlan == "" {
		user.CurrentPlan = models.PlanFree
	}
	if user.SubscriptionStatus == "" {
		user.SubscriptionStatus = models.SubscriptionStatusInactive
	}

	query := `
		INSERT INTO users (
			id, email, credits, current_plan, subscription_status,
			stripe_customer_id, stripe_subscription_id, credits_version,
			credits_reset_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := db.ExecContext(
		ctx, query,
		user.ID, user.Email, user.Credits, string(user.CurrentPlan), string(user.SubscriptionStatus),
		nullString(user.StripeCustomerID), nullString(user.StripeSubscriptionID), user.CreditsVersion,
		nullMillis(user.CreditsResetAt), toMillis(user.CreatedAt), toMillis(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// EnsureUser creates a zero-credit Free user if id is unknown and returns the stored row.
// The baseline grant is applied separately so it can respect paid indicators.
func (db *DB) EnsureUser(ctx context.Context, id uuid.UUID, email string, now time.Time) (*models.User, error) {
	query := `
		INSERT INTO users (id, email, credits, current_plan, subscription_status, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := db.ExecContext(ctx, query, id, email, string(models.PlanFree), string(models.SubscriptionStatusInactive), toMillis(now)); err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return db.GetUser(ctx, id)
}

// GetUser retrieves a user by their ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetUserByStripeCustomer retrieves the user owning a payment-customer reference.
func (db *DB) GetUserByStripeCustomer(ctx context.Context, customerID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE stripe_customer_id = $1`

	user, err := scanUser(db.QueryRowContext(ctx, query, customerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user with customer %s: %w", customerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by customer: %w", err)
	}

	return user, nil
}

// DebitCredits subtracts amount only if the balance covers it.
// Returns false when the balance was insufficient at write time.
func (db *DB) DebitCredits(ctx context.Context, id uuid.UUID, amount float64, now time.Time) (bool, error) {
	query := `
		UPDATE users
		SET credits = credits - $1, credits_version = credits_version + 1, updated_at = $2
		WHERE id = $3 AND credits >= $1
	`
	result, err := db.ExecContext(ctx, query, amount, toMillis(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to debit credits: %w", err)
	}
	return affected(result)
}

// RefundCredits adds amount back to the balance.
func (db *DB) RefundCredits(ctx context.Context, id uuid.UUID, amount float64, now time.Time) error {
	query := `
		UPDATE users
		SET credits = credits + $1, credits_version = credits_version + 1, updated_at = $2
		WHERE id = $3
	`
	result, err := db.ExecContext(ctx, query, amount, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("failed to refund credits: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// BillingUpdate is the full billing-owned state written by SetBilling.
type BillingUpdate struct {
	Credits              float64
	Plan                 models.Plan
	SubscriptionStatus   models.SubscriptionStatus
	StripeCustomerID     *string
	StripeSubscriptionID *string
	CreditsResetAt       *time.Time
}

// SetBilling writes billing state if credits_version still equals expectedVersion.
// Returns false when another writer got there first; the caller re-reads and retries.
func (db *DB) SetBilling(ctx context.Context, id uuid.UUID, expectedVersion int64, u BillingUpdate, now time.Time) (bool, error) {
	query := `
		UPDATE users
		SET credits = $1, current_plan = $2, subscription_status = $3,
		    stripe_customer_id = $4, stripe_subscription_id = $5,
		    credits_reset_at = $6, credits_version = credits_version + 1, updated_at = $7
		WHERE id = $8 AND credits_version = $9
	`
	result, err := db.ExecContext(
		ctx, query,
		u.Credits, string(u.Plan), string(u.SubscriptionStatus),
		nullString(u.StripeCustomerID), nullString(u.StripeSubscriptionID),
		nullMillis(u.CreditsResetAt), toMillis(now), id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update billing: %w", err)
	}
	return affected(result)
}

// GrantBaseline sets the Free allotment for a user with no paid indicator whose last
// grant is older than staleBefore (or who never had one). The paid-indicator check is
// repeated here so a concurrent paid-plan write can never be overwritten.
func (db *DB) GrantBaseline(ctx context.Context, id uuid.UUID, amount float64, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE users
		SET credits = $1, credits_reset_at = $2, credits_version = credits_version + 1, updated_at = $2
		WHERE id = $3
		  AND current_plan = $4
		  AND subscription_status <> $5
		  AND (stripe_customer_id IS NULL OR stripe_customer_id = '')
		  AND (credits_reset_at IS NULL OR credits_reset_at < $6)
	`
	result, err := db.ExecContext(
		ctx, query,
		amount, toMillis(now), id,
		string(models.PlanFree), string(models.SubscriptionStatusActive), toMillis(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("failed to grant baseline credits: %w", err)
	}
	return affected(result)
}
