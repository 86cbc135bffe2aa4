/*
rates.go - Plans, the commission rate table, and commission math

RATE TABLE:
  A total function (plan, level) -> percent. Each plan owns a fixed array of
  MaxDepth rates; a level that was never configured holds zero. Unknown
  plans, level < 1 and level > MaxDepth all return zero. A zero rate is
  policy, not an error.

VERSIONING:
  The table is immutable once built and carries the catalog version. Every
  commission credit records the rate and version it used, so replacing the
  catalog only affects future events.

ROUNDING:
  CalculateCommission is the single place a commission amount is derived:
  amount * percent / 100, rounded to the minor unit with round-half-to-even.
  Previews and the engine both call it so they agree bit for bit.
*/
package commission

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

const MaxDepth = referral.MaxDepth

var hundred = decimal.NewFromInt(100)

// =============================================================================
// PLANS
// =============================================================================

type PlanID string

const (
	PlanBasic   PlanID = "basic"
	PlanPremium PlanID = "premium"
)

// NormalizePlanID lower-cases and trims a plan id.
func NormalizePlanID(s string) PlanID {
	return PlanID(strings.ToLower(strings.TrimSpace(s)))
}

// Plan is a purchasable package.
type Plan struct {
	ID     PlanID
	Amount ledger.Amount
	Label  string
}

// =============================================================================
// RATE TABLE
// =============================================================================

// LevelRates holds the percent for levels 1..MaxDepth at index level-1.
type LevelRates [MaxDepth]decimal.Decimal

// RateTable maps (plan, level) to a percent. Immutable after NewRateTable.
type RateTable struct {
	version string
	rates   map[PlanID]LevelRates
}

// NewRateTable copies rates into an immutable table.
func NewRateTable(version string, rates map[PlanID]LevelRates) *RateTable {
	t := &RateTable{version: version, rates: make(map[PlanID]LevelRates, len(rates))}
	for id, lr := range rates {
		t.rates[NormalizePlanID(string(id))] = lr
	}
	return t
}

// Version identifies the configuration the table was built from.
func (t *RateTable) Version() string { return t.version }

// Rate returns the percent for (plan, level), or zero.
func (t *RateTable) Rate(plan PlanID, level int) decimal.Decimal {
	if level < 1 || level > MaxDepth {
		return decimal.Zero
	}
	lr, ok := t.rates[NormalizePlanID(string(plan))]
	if !ok {
		return decimal.Zero
	}
	return lr[level-1]
}

// CalculateCommission returns amount * percent / 100 rounded half-to-even to
// the minor unit.
func CalculateCommission(amount ledger.Amount, percent decimal.Decimal) ledger.Amount {
	v := amount.Value.Mul(percent).Div(hundred).RoundBank(0)
	return ledger.Amount{Value: v, Currency: amount.Currency}
}

// =============================================================================
// CATALOG - Plans + rate table, loaded once at startup
// =============================================================================

// Catalog is the process-wide commission configuration.
type Catalog struct {
	Currency ledger.Currency
	plans    map[PlanID]Plan
	table    *RateTable
}

func NewCatalog(currency ledger.Currency, plans []Plan, table *RateTable) *Catalog {
	c := &Catalog{Currency: currency, plans: make(map[PlanID]Plan, len(plans)), table: table}
	for _, p := range plans {
		p.ID = NormalizePlanID(string(p.ID))
		c.plans[p.ID] = p
	}
	return c
}

func (c *Catalog) Version() string { return c.table.Version() }

func (c *Catalog) Table() *RateTable { return c.table }

// Plan looks up a plan by id.
func (c *Catalog) Plan(id PlanID) (Plan, bool) {
	p, ok := c.plans[NormalizePlanID(string(id))]
	return p, ok
}

// Plans returns all plans ordered by amount.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount.Value.Equal(out[j].Amount.Value) {
			return out[i].ID < out[j].ID
		}
		return out[i].Amount.LessThan(out[j].Amount)
	})
	return out
}

func (c *Catalog) Rate(plan PlanID, level int) decimal.Decimal {
	return c.table.Rate(plan, level)
}

// PreviewLine is the commission one level would earn.
type PreviewLine struct {
	Level  int
	Rate   decimal.Decimal
	Amount ledger.Amount
}

// Preview lists the commission per level for a purchase of amount on plan.
// Read-only; uses the same rounding as the engine.
func (c *Catalog) Preview(plan PlanID, amount ledger.Amount) []PreviewLine {
	lines := make([]PreviewLine, MaxDepth)
	for level := 1; level <= MaxDepth; level++ {
		rate := c.table.Rate(plan, level)
		lines[level-1] = PreviewLine{Level: level, Rate: rate, Amount: CalculateCommission(amount, rate)}
	}
	return lines
}

// PreviewTotal sums preview lines.
func PreviewTotal(lines []PreviewLine, currency ledger.Currency) ledger.Amount {
	total := ledger.ZeroAmount(currency)
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

// =============================================================================
// DEFAULTS
// =============================================================================

const DefaultCatalogVersion = "default-v1"

// DefaultRates is the shipped rate table. Plans differ only at level 1; the
// values are kept exactly as configured.
func DefaultRates() map[PlanID]LevelRates {
	tail := []int64{2, 3, 4, 5, 6, 7, 8, 9, 10}
	build := func(first int64) LevelRates {
		var lr LevelRates
		lr[0] = decimal.NewFromInt(first)
		for i, r := range tail {
			lr[i+1] = decimal.NewFromInt(r)
		}
		return lr
	}
	return map[PlanID]LevelRates{
		PlanBasic:   build(15),
		PlanPremium: build(12),
	}
}

// DefaultPlans returns the two shipped plans in currency.
func DefaultPlans(currency ledger.Currency) []Plan {
	return []Plan{
		{ID: PlanBasic, Amount: ledger.NewAmount(800, currency), Label: "Basic Plan"},
		{ID: PlanPremium, Amount: ledger.NewAmount(2500, currency), Label: "Premium Plan"},
	}
}

// DefaultCatalog returns the shipped configuration in INR.
func DefaultCatalog() *Catalog {
	return NewCatalog(ledger.CurrencyINR, DefaultPlans(ledger.CurrencyINR),
		NewRateTable(DefaultCatalogVersion, DefaultRates()))
}
