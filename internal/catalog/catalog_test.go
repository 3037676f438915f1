package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltchat/battery-plane/pkg/models"
)

func TestPlanLookup(t *testing.T) {
	c := Default("starter")

	plan, ok := c.Plan("daily")
	require.True(t, ok)
	assert.Equal(t, int64(18000), plan.TotalBatteryPerMonth)
	assert.Equal(t, int64(600), plan.DailyBattery)

	_, ok = c.Plan("nonexistent")
	assert.False(t, ok)
}

func TestPlanForPrice_ResolvesIntervals(t *testing.T) {
	c := Default("starter")

	plan, interval, known := c.PlanForPrice("price_power_monthly")
	assert.True(t, known)
	assert.Equal(t, "power", plan.ID)
	assert.Equal(t, models.IntervalMonthly, interval)

	plan, interval, known = c.PlanForPrice("price_ultimate_annual")
	assert.True(t, known)
	assert.Equal(t, "ultimate", plan.ID)
	assert.Equal(t, models.IntervalAnnual, interval)
}

func TestPlanForPrice_UnknownFallsBackToDefault(t *testing.T) {
	c := Default("starter")

	plan, interval, known := c.PlanForPrice("price_from_old_catalog")
	assert.False(t, known)
	assert.Equal(t, "starter", plan.ID)
	assert.Equal(t, models.IntervalMonthly, interval)
}

func TestPlans_OrderedByBattery(t *testing.T) {
	c := Default("starter")

	plans := c.Plans()
	require.Len(t, plans, 4)
	for i := 1; i < len(plans); i++ {
		assert.Less(t, plans[i-1].TotalBatteryPerMonth, plans[i].TotalBatteryPerMonth)
	}
}
