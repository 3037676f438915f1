package pricing

import (
	"math"
	"strings"
)

// DefaultRatePerKToken is charged when a model is missing from the table.
// Metering must never block on a catalog gap, so unknown models are priced
// at a conservative flat rate instead of failing.
const DefaultRatePerKToken = 10.0

// CachedSuffix marks the discounted table entry used for cache-hit requests.
const CachedSuffix = "-cached"

// Tier labels for catalog entries.
const (
	TierLocal    = "local"
	TierBudget   = "budget"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// ModelPrice is one price table entry.
type ModelPrice struct {
	Model            string  `json:"model"`
	BatteryPerKToken float64 `json:"battery_per_k_token"`
	Tier             string  `json:"tier"`
}

// Table maps model identifiers to battery rates. It is immutable after
// construction and safe for concurrent readers.
type Table struct {
	entries map[string]ModelPrice
}

// NewTable builds a table from the given entries.
func NewTable(entries []ModelPrice) *Table {
	t := &Table{entries: make(map[string]ModelPrice, len(entries))}
	for _, e := range entries {
		t.entries[normalize(e.Model)] = e
	}
	return t
}

// Lookup returns the entry for model, preferring the cached variant when
// cached is set and one exists. ok is false when the model is unknown.
func (t *Table) Lookup(model string, cached bool) (ModelPrice, bool) {
	key := normalize(model)
	if cached {
		if e, exists := t.entries[key+CachedSuffix]; exists {
			return e, true
		}
	}
	e, exists := t.entries[key]
	return e, exists
}

// Rate returns the battery rate per 1K tokens for model, falling back to
// DefaultRatePerKToken for unknown models.
func (t *Table) Rate(model string, cached bool) float64 {
	if e, ok := t.Lookup(model, cached); ok {
		return e.BatteryPerKToken
	}
	return DefaultRatePerKToken
}

// Cost converts token counts into an integer battery cost. The result is
// always rounded up, and any nonzero token count on a nonzero rate costs
// at least 1 unit. Zero tokens cost 0.
func (t *Table) Cost(model string, inputTokens, outputTokens int64, cached bool) int64 {
	total := inputTokens + outputTokens
	if total <= 0 {
		return 0
	}

	rate := t.Rate(model, cached)
	cost := int64(math.Ceil(float64(total) / 1000.0 * rate))
	if cost < 1 && rate > 0 {
		cost = 1
	}
	return cost
}

// Entries returns all table entries (for the admin surface).
func (t *Table) Entries() []ModelPrice {
	out := make([]ModelPrice, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
