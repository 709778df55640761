package billing

import (
	"context"
	"fmt"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeSource reads subscriptions through the Stripe API.
type StripeSource struct{}

// NewStripeSource sets the Stripe API key used by the SDK.
func NewStripeSource(secretKey string) *StripeSource {
	stripelib.Key = secretKey
	return &StripeSource{}
}

func (s *StripeSource) Subscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription %s: %w", subscriptionID, err)
	}

	out := &Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				out.PriceIDs = append(out.PriceIDs, item.Price.ID)
			}
		}
	}
	return out, nil
}
