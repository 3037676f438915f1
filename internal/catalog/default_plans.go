package catalog

import "github.com/voltchat/battery-plane/pkg/models"

// Default builds the standard four-tier catalog.
func Default(defaultPlanID string) *Catalog {
	return New(DefaultPlans(), defaultPlanID)
}

// DefaultPlans returns the built-in tiers. Prices are in cents.
func DefaultPlans() []models.Plan {
	return []models.Plan{
		{
			ID:                   "starter",
			Name:                 "Starter",
			TotalBatteryPerMonth: 6000,
			DailyBattery:         200,
			PriceMonthlyCents:    500,
			PriceAnnualCents:     4800,
			MonthlyPriceID:       "price_starter_monthly",
			AnnualPriceID:        "price_starter_annual",
		},
		{
			ID:                   "daily",
			Name:                 "Daily",
			TotalBatteryPerMonth: 18000,
			DailyBattery:         600,
			PriceMonthlyCents:    1200,
			PriceAnnualCents:     11500,
			MonthlyPriceID:       "price_daily_monthly",
			AnnualPriceID:        "price_daily_annual",
		},
		{
			ID:                   "power",
			Name:                 "Power",
			TotalBatteryPerMonth: 45000,
			DailyBattery:         1500,
			PriceMonthlyCents:    2500,
			PriceAnnualCents:     24000,
			MonthlyPriceID:       "price_power_monthly",
			AnnualPriceID:        "price_power_annual",
		},
		{
			ID:                   "ultimate",
			Name:                 "Ultimate",
			TotalBatteryPerMonth: 150000,
			DailyBattery:         5000,
			PriceMonthlyCents:    7500,
			PriceAnnualCents:     72000,
			MonthlyPriceID:       "price_ultimate_monthly",
			AnnualPriceID:        "price_ultimate_annual",
		},
	}
}
