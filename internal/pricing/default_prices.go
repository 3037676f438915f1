package pricing

import "sync"

var (
	defaultTable *Table
	defaultOnce  sync.Once
)

// DefaultTable returns the built-in price table. Rates are battery units
// per 1K tokens; cached variants carry the provider's prompt-cache discount.
// Local models are priced at 0 explicitly rather than inferred.
func DefaultTable() *Table {
	defaultOnce.Do(func() {
		defaultTable = NewTable(defaultPrices())
	})
	return defaultTable
}

func defaultPrices() []ModelPrice {
	return []ModelPrice{
		// OpenAI
		{Model: "gpt-4o", BatteryPerKToken: 25, Tier: TierStandard},
		{Model: "gpt-4o-cached", BatteryPerKToken: 12, Tier: TierStandard},
		{Model: "gpt-4o-mini", BatteryPerKToken: 3, Tier: TierBudget},
		{Model: "gpt-4o-mini-cached", BatteryPerKToken: 1.5, Tier: TierBudget},
		{Model: "gpt-4-turbo", BatteryPerKToken: 40, Tier: TierPremium},
		{Model: "o1", BatteryPerKToken: 60, Tier: TierPremium},
		{Model: "o1-mini", BatteryPerKToken: 15, Tier: TierStandard},

		// Anthropic
		{Model: "claude-3-5-sonnet", BatteryPerKToken: 30, Tier: TierStandard},
		{Model: "claude-3-5-sonnet-cached", BatteryPerKToken: 15, Tier: TierStandard},
		{Model: "claude-3-5-haiku", BatteryPerKToken: 8, Tier: TierBudget},
		{Model: "claude-3-5-haiku-cached", BatteryPerKToken: 4, Tier: TierBudget},
		{Model: "claude-3-opus", BatteryPerKToken: 75, Tier: TierPremium},

		// Google
		{Model: "gemini-2.0-flash", BatteryPerKToken: 2, Tier: TierBudget},
		{Model: "gemini-1.5-pro", BatteryPerKToken: 15, Tier: TierStandard},
		{Model: "gemini-1.5-flash", BatteryPerKToken: 2, Tier: TierBudget},

		// Local inference costs nothing to meter.
		{Model: "llama-3.1-8b-local", BatteryPerKToken: 0, Tier: TierLocal},
		{Model: "qwen-2.5-7b-local", BatteryPerKToken: 0, Tier: TierLocal},
	}
}
