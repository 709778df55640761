// Package credits is the single source of truth for plan allotments, price
// mapping, and every credit-balance calculation. It performs no I/O.
package credits

import (
	"strings"

	"github.com/bobarin/adreel/internal/models"
)

// allotments is the monthly credit quota for each plan.
var allotments = map[models.Plan]float64{
	models.PlanFree:    20,
	models.PlanStarter: 60,
	models.PlanCreator: 150,
	models.PlanPro:     300,
	models.PlanElite:   750,
}

// planOrder lists plans from cheapest to most expensive.
var planOrder = []models.Plan{
	models.PlanFree,
	models.PlanStarter,
	models.PlanCreator,
	models.PlanPro,
	models.PlanElite,
}

// Allotment returns the monthly credits for plan. Unknown plans get the Free allotment.
func Allotment(plan models.Plan) float64 {
	if a, ok := allotments[plan]; ok {
		return a
	}
	return allotments[models.PlanFree]
}

// CheapestPaidPlan is the entry-level paid tier.
func CheapestPaidPlan() models.Plan {
	return planOrder[1]
}

// Plans returns every plan, cheapest first.
func Plans() []models.Plan {
	out := make([]models.Plan, len(planOrder))
	copy(out, planOrder)
	return out
}

// ParsePlan resolves a plan name case-insensitively.
func ParsePlan(name string) (models.Plan, bool) {
	name = strings.TrimSpace(name)
	for _, p := range planOrder {
		if strings.EqualFold(string(p), name) {
			return p, true
		}
	}
	return "", false
}

// PlanChange returns the balance after moving from oldPlan to newPlan.
//
// The unused part of the old allotment carries over, clamped to [0, allotment(newPlan)].
// Free straight to the cheapest paid plan grants exactly that plan's allotment,
// so leftover free credits are never stacked on top of a first purchase.
func PlanChange(current float64, oldPlan, newPlan models.Plan) float64 {
	if oldPlan == newPlan {
		return current
	}

	newAllot := Allotment(newPlan)
	if oldPlan == models.PlanFree && newPlan == CheapestPaidPlan() {
		return newAllot
	}

	next := current + newAllot - Allotment(oldPlan)
	return clamp(next, 0, newAllot)
}

// MonthlyReset returns the balance after a successful renewal. No rollover.
func MonthlyReset(plan models.Plan) float64 {
	return Allotment(plan)
}

// Cancellation returns the plan and balance after a subscription is deleted.
func Cancellation() (models.Plan, float64) {
	return models.PlanFree, Allotment(models.PlanFree)
}

// PaidIndicator reports whether any sign of a paying customer is present:
// an active subscription, a non-Free plan, or a payment-customer reference.
// Baseline free-credit grants must never run when this is true.
func PaidIndicator(u *models.User) bool {
	if u == nil {
		return false
	}
	if u.SubscriptionStatus == models.SubscriptionStatusActive {
		return true
	}
	if u.CurrentPlan != "" && u.CurrentPlan != models.PlanFree {
		return true
	}
	return u.StripeCustomerID != nil && *u.StripeCustomerID != ""
}

// Refund returns the balance after giving back amount.
func Refund(current, amount float64) float64 {
	if amount <= 0 {
		return current
	}
	return current + amount
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
