package commission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
)

func inr(v int64) ledger.Amount { return ledger.NewAmount(v, ledger.CurrencyINR) }

func pct(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// =============================================================================
// RATE TABLE
// =============================================================================

func TestRateTable_DefaultRates(t *testing.T) {
	table := DefaultCatalog().Table()

	assert.True(t, table.Rate(PlanBasic, 1).Equal(pct(15)))
	assert.True(t, table.Rate(PlanPremium, 1).Equal(pct(12)))
	assert.True(t, table.Rate(PlanBasic, 2).Equal(pct(2)))
	assert.True(t, table.Rate(PlanPremium, 10).Equal(pct(10)))
	assert.Equal(t, DefaultCatalogVersion, table.Version())
}

func TestRateTable_TotalFunction(t *testing.T) {
	// GIVEN: the default table
	// WHEN: asking for levels or plans outside the configuration
	// THEN: the rate is zero, never an error
	table := DefaultCatalog().Table()

	assert.True(t, table.Rate(PlanBasic, 11).IsZero())
	assert.True(t, table.Rate(PlanPremium, 11).IsZero())
	assert.True(t, table.Rate(PlanBasic, 0).IsZero())
	assert.True(t, table.Rate(PlanBasic, -3).IsZero())
	assert.True(t, table.Rate("gold", 1).IsZero())
}

func TestRateTable_PlanLookupIsCaseInsensitive(t *testing.T) {
	table := DefaultCatalog().Table()
	assert.True(t, table.Rate("BASIC", 1).Equal(pct(15)))
	assert.True(t, table.Rate(" Premium ", 1).Equal(pct(12)))
}

func TestRateTable_IsImmutable(t *testing.T) {
	rates := DefaultRates()
	table := NewRateTable("v1", rates)

	lr := rates[PlanBasic]
	lr[0] = pct(99)
	rates[PlanBasic] = lr

	assert.True(t, table.Rate(PlanBasic, 1).Equal(pct(15)))
}

// =============================================================================
// COMMISSION MATH
// =============================================================================

func TestCalculateCommission(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		percent int64
		want    int64
	}{
		{"basic level 1", 800, 15, 120},
		{"premium level 1", 2500, 12, 300},
		{"zero rate", 800, 0, 0},
		{"zero amount", 0, 15, 0},
		{"basic level 2", 800, 2, 16},
		{"half rounds to even (down)", 350, 3, 10},
		{"half rounds to even (up)", 250, 3, 8},
		{"below half", 801, 15, 120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCommission(inr(tt.amount), pct(tt.percent))
			assert.Equal(t, tt.want, got.MinorUnits())
			assert.Equal(t, ledger.CurrencyINR, got.Currency)
			assert.True(t, got.Value.Equal(got.Value.Truncate(0)), "commission must be integral")
		})
	}
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_Plans(t *testing.T) {
	c := DefaultCatalog()

	plans := c.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, PlanBasic, plans[0].ID)
	assert.Equal(t, int64(800), plans[0].Amount.MinorUnits())
	assert.Equal(t, "Basic Plan", plans[0].Label)
	assert.Equal(t, PlanPremium, plans[1].ID)
	assert.Equal(t, int64(2500), plans[1].Amount.MinorUnits())

	_, ok := c.Plan("gold")
	assert.False(t, ok)
}

func TestCatalog_PreviewBasicFullChain(t *testing.T) {
	// GIVEN: a basic purchase of 800
	// WHEN: previewing all ten levels
	// THEN: 120 at level 1 and 552 in total
	c := DefaultCatalog()

	lines := c.Preview(PlanBasic, inr(800))
	require.Len(t, lines, MaxDepth)

	want := []int64{120, 16, 24, 32, 40, 48, 56, 64, 72, 80}
	for i, l := range lines {
		assert.Equal(t, i+1, l.Level)
		assert.Equal(t, want[i], l.Amount.MinorUnits(), "level %d", l.Level)
	}
	assert.Equal(t, int64(552), PreviewTotal(lines, ledger.CurrencyINR).MinorUnits())
}

func TestCatalog_PreviewPremium(t *testing.T) {
	c := DefaultCatalog()

	lines := c.Preview(PlanPremium, inr(2500))
	assert.Equal(t, int64(300), lines[0].Amount.MinorUnits())
	assert.Equal(t, int64(50), lines[1].Amount.MinorUnits())
	assert.Equal(t, int64(250), lines[9].Amount.MinorUnits())
	assert.Equal(t, int64(1650), PreviewTotal(lines, ledger.CurrencyINR).MinorUnits())
}

func TestCatalog_PreviewUnknownPlanIsAllZero(t *testing.T) {
	lines := DefaultCatalog().Preview("gold", inr(1000))
	assert.True(t, PreviewTotal(lines, ledger.CurrencyINR).IsZero())
}
