package credits

import (
	"strings"

	"github.com/bobarin/adreel/internal/models"
)

// Catalog maps payment-provider price identifiers to plans.
type Catalog struct {
	byPrice map[string]models.Plan
	byPlan  map[models.Plan]string
}

// NewCatalog builds a catalog from plan → price id. Empty price ids are skipped.
func NewCatalog(prices map[models.Plan]string) *Catalog {
	c := &Catalog{
		byPrice: make(map[string]models.Plan, len(prices)),
		byPlan:  make(map[models.Plan]string, len(prices)),
	}
	for plan, price := range prices {
		price = strings.TrimSpace(price)
		if price == "" {
			continue
		}
		c.byPrice[price] = plan
		c.byPlan[plan] = price
	}
	return c
}

// PlanForPrice resolves a price id to a plan.
func (c *Catalog) PlanForPrice(priceID string) (models.Plan, bool) {
	if c == nil {
		return "", false
	}
	p, ok := c.byPrice[strings.TrimSpace(priceID)]
	return p, ok
}

// PriceForPlan returns the configured price id for plan, or "".
func (c *Catalog) PriceForPlan(plan models.Plan) string {
	if c == nil {
		return ""
	}
	return c.byPlan[plan]
}

// Pricing is the per-production credit cost.
type Pricing struct {
	NewVideo float64
	Revision float64
}

// Required returns the credits a production needs.
func (p Pricing) Required(isRevision bool) float64 {
	if isRevision {
		return p.Revision
	}
	return p.NewVideo
}
