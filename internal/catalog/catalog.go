package catalog

import (
	"sort"

	"github.com/voltchat/battery-plane/pkg/models"
)

// Catalog is the static plan catalog with a reverse map from external
// Stripe price IDs to plans. Immutable after construction.
type Catalog struct {
	plans       map[string]models.Plan
	byPriceID   map[string]planInterval
	defaultPlan string
}

type planInterval struct {
	planID   string
	interval models.BillingInterval
}

// New builds a catalog from the given plans. defaultPlanID is the safe
// fallback used when a billing event references an unmapped price.
func New(plans []models.Plan, defaultPlanID string) *Catalog {
	c := &Catalog{
		plans:       make(map[string]models.Plan, len(plans)),
		byPriceID:   make(map[string]planInterval, len(plans)*2),
		defaultPlan: defaultPlanID,
	}
	for _, p := range plans {
		c.plans[p.ID] = p
		if p.MonthlyPriceID != "" {
			c.byPriceID[p.MonthlyPriceID] = planInterval{planID: p.ID, interval: models.IntervalMonthly}
		}
		if p.AnnualPriceID != "" {
			c.byPriceID[p.AnnualPriceID] = planInterval{planID: p.ID, interval: models.IntervalAnnual}
		}
	}
	return c
}

// Plan returns the plan with the given ID.
func (c *Catalog) Plan(id string) (models.Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// DefaultPlan returns the configured fallback plan.
func (c *Catalog) DefaultPlan() models.Plan {
	return c.plans[c.defaultPlan]
}

// PlanForPrice resolves an external price ID to a plan and billing
// interval. known is false when the price is unmapped; callers fall back
// to the default plan and log the anomaly rather than dropping the event.
func (c *Catalog) PlanForPrice(priceID string) (models.Plan, models.BillingInterval, bool) {
	pi, ok := c.byPriceID[priceID]
	if !ok {
		return c.DefaultPlan(), models.IntervalMonthly, false
	}
	return c.plans[pi.planID], pi.interval, true
}

// Plans returns all plans ordered by monthly battery grant.
func (c *Catalog) Plans() []models.Plan {
	out := make([]models.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalBatteryPerMonth < out[j].TotalBatteryPerMonth
	})
	return out
}
