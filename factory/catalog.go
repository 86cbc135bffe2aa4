/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts a JSON catalog definition (plans and their per-level commission
  rates) into a commission.Catalog. Rates can be changed by shipping a new
  file and restarting; the version string ends up on every credit created
  with it, so old transactions keep pointing at the rates they used.

JSON SCHEMA:
  {
    "version": "2025-03",
    "currency": "INR",
    "plans": [
      {
        "id": "basic",
        "label": "Basic Plan",
        "amount": 800,
        "rates": [15, 2, 3, 4, 5, 6, 7, 8, 9, 10]
      }
    ]
  }

  rates[i] is the percent for level i+1. Fewer than ten entries leaves the
  remaining levels at zero. Rates accept JSON numbers or strings ("2.5").

USAGE:
  catalog, err := factory.LoadFile("rates.json")
  engine := commission.NewEngine(catalog, ...)
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalog.
type CatalogJSON struct {
	Version  string     `json:"version" validate:"required"`
	Currency string     `json:"currency" validate:"required,len=3"`
	Plans    []PlanJSON `json:"plans" validate:"required,min=1,dive"`
}

// PlanJSON is one plan and its level rates.
type PlanJSON struct {
	ID     string            `json:"id" validate:"required"`
	Label  string            `json:"label,omitempty"`
	Amount int64             `json:"amount" validate:"gte=0"`
	Rates  []decimal.Decimal `json:"rates" validate:"max=10"`
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to commission.Catalog.
type CatalogFactory struct {
	validate *validator.Validate
}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{validate: validator.New()}
}

// ParseCatalog parses a JSON document into a Catalog.
func (f *CatalogFactory) ParseCatalog(data []byte) (*commission.Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON validates cj and builds the Catalog.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*commission.Catalog, error) {
	if err := f.validate.Struct(cj); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	currency := ledger.Currency(strings.ToUpper(cj.Currency))
	plans := make([]commission.Plan, 0, len(cj.Plans))
	rates := make(map[commission.PlanID]commission.LevelRates, len(cj.Plans))

	for _, pj := range cj.Plans {
		id := commission.NormalizePlanID(pj.ID)
		if _, dup := rates[id]; dup {
			return nil, fmt.Errorf("invalid catalog: duplicate plan %q", id)
		}
		lr, err := parseRates(id, pj.Rates)
		if err != nil {
			return nil, err
		}
		rates[id] = lr

		label := pj.Label
		if label == "" {
			label = defaultLabel(id)
		}
		plans = append(plans, commission.Plan{
			ID:     id,
			Amount: ledger.NewAmount(pj.Amount, currency),
			Label:  label,
		})
	}

	return commission.NewCatalog(currency, plans, commission.NewRateTable(cj.Version, rates)), nil
}

// ToJSON converts a Catalog back to its JSON form.
func (f *CatalogFactory) ToJSON(c *commission.Catalog) CatalogJSON {
	cj := CatalogJSON{Version: c.Version(), Currency: string(c.Currency)}
	for _, p := range c.Plans() {
		pj := PlanJSON{ID: string(p.ID), Label: p.Label, Amount: p.Amount.MinorUnits()}
		for level := 1; level <= commission.MaxDepth; level++ {
			pj.Rates = append(pj.Rates, c.Rate(p.ID, level))
		}
		cj.Plans = append(cj.Plans, pj)
	}
	return cj
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) (*commission.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return NewCatalogFactory().ParseCatalog(data)
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseRates(plan commission.PlanID, in []decimal.Decimal) (commission.LevelRates, error) {
	var lr commission.LevelRates
	for i := range lr {
		lr[i] = decimal.Zero
	}
	for i, r := range in {
		if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(100)) {
			return lr, fmt.Errorf("invalid catalog: plan %q level %d rate %s outside 0..100", plan, i+1, r)
		}
		lr[i] = r
	}
	return lr, nil
}

func defaultLabel(id commission.PlanID) string {
	s := string(id)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:] + " Plan"
}
