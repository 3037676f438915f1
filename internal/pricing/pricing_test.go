package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCost_ZeroTokensCostZero(t *testing.T) {
	table := DefaultTable()
	assert.Equal(t, int64(0), table.Cost("gpt-4o", 0, 0, false))
	assert.Equal(t, int64(0), table.Cost("unknown-model", 0, 0, false))
}

func TestCost_RoundsUp(t *testing.T) {
	table := DefaultTable()

	// 1000 tokens at 25/1K = 25 exactly.
	assert.Equal(t, int64(25), table.Cost("gpt-4o", 800, 200, false))
	// 1001 tokens rounds up to 26.
	assert.Equal(t, int64(26), table.Cost("gpt-4o", 801, 200, false))
}

func TestCost_TinyRequestsCostAtLeastOne(t *testing.T) {
	table := DefaultTable()

	// 1 token on the cheapest paid model still costs a unit.
	assert.Equal(t, int64(1), table.Cost("gemini-2.0-flash", 1, 0, false))
	assert.Equal(t, int64(1), table.Cost("gpt-4o-mini", 0, 1, true))
}

func TestCost_UnknownModelUsesDefaultRate(t *testing.T) {
	table := DefaultTable()

	// 1000 tokens at the default 10/1K.
	assert.Equal(t, int64(10), table.Cost("some-future-model", 500, 500, false))
}

func TestCost_CachedVariantIsCheaper(t *testing.T) {
	table := DefaultTable()

	full := table.Cost("gpt-4o", 10000, 0, false)
	cached := table.Cost("gpt-4o", 10000, 0, true)
	assert.Less(t, cached, full)

	// Cached flag on a model with no cached entry falls back to the base rate.
	assert.Equal(t, table.Cost("claude-3-opus", 1000, 0, false), table.Cost("claude-3-opus", 1000, 0, true))
}

func TestCost_LocalModelsAreFree(t *testing.T) {
	table := DefaultTable()
	assert.Equal(t, int64(0), table.Cost("llama-3.1-8b-local", 100000, 100000, false))
}

func TestCost_MonotonicInTokenCount(t *testing.T) {
	table := DefaultTable()

	models := []string{"gpt-4o", "claude-3-5-haiku", "gemini-2.0-flash", "unknown-model"}
	for _, model := range models {
		var prev int64
		for _, tokens := range []int64{0, 1, 10, 500, 999, 1000, 1001, 50000} {
			cost := table.Cost(model, tokens, 0, false)
			assert.GreaterOrEqual(t, cost, prev, "cost must not decrease for %s at %d tokens", model, tokens)
			prev = cost
		}
	}
}

func TestLookup_NormalizesModelNames(t *testing.T) {
	table := DefaultTable()

	entry, ok := table.Lookup("  GPT-4o ", false)
	assert.True(t, ok)
	assert.Equal(t, "gpt-4o", entry.Model)
}
