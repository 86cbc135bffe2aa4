/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a referral
	tree and run a purchase through the engine, so the resulting wallets,
	events and claims can be inspected through the API.

AVAILABLE SCENARIOS:

	full-chain:         Ten ancestors, basic purchase, every level credited
	broken-chain:       Level-3 ancestor deleted before the purchase
	deep-tree:          Fifteen ancestors, premium purchase, only ten paid
	duplicate-delivery: The same payment delivered twice

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Register a line of users, each referred by the previous one
 3. Register the buyer under the last one
 4. Distribute one or more purchases inline

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "broken-chain"}

NOTE:

	Scenarios reset the store. Routes are only mounted when the handler has
	a Store, which the server sets when ENABLE_SCENARIOS=true.
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/referral"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "full-chain",
		Name:        "Full Chain",
		Description: "Basic purchase with ten ancestors; 552 credited across all levels",
	},
	{
		ID:          "broken-chain",
		Name:        "Broken Chain",
		Description: "Level-3 ancestor deleted; the other nine levels are credited and the event is partially distributed",
	},
	{
		ID:          "deep-tree",
		Name:        "Deep Tree",
		Description: "Premium purchase with fifteen ancestors; only the nearest ten earn",
	},
	{
		ID:          "duplicate-delivery",
		Name:        "Duplicate Delivery",
		Description: "Same payment delivered twice; the second delivery credits nothing",
	},
}

// ScenarioBuyer is the purchasing user in every scenario.
const ScenarioBuyer referral.UserID = "buyer"

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	var (
		result ScenarioResultDTO
		err    error
	)
	switch req.ScenarioID {
	case "full-chain":
		result, err = h.loadChainScenario(ctx, req.ScenarioID, 10, commission.PlanBasic, 0, 1)
	case "broken-chain":
		result, err = h.loadChainScenario(ctx, req.ScenarioID, 10, commission.PlanBasic, 3, 1)
	case "deep-tree":
		result, err = h.loadChainScenario(ctx, req.ScenarioID, 15, commission.PlanPremium, 0, 1)
	case "duplicate-delivery":
		result, err = h.loadChainScenario(ctx, req.ScenarioID, 10, commission.PlanBasic, 0, 2)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, result)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LOADERS
// =============================================================================

// loadChainScenario registers depth users in a line plus the buyer, deletes
// the ancestor at deleteLevel (0 keeps all), and delivers one purchase
// deliveries times. The outcome of the last delivery is returned.
func (h *Handler) loadChainScenario(ctx context.Context, id string, depth int, plan commission.PlanID, deleteLevel, deliveries int) (ScenarioResultDTO, error) {
	line, err := h.registerLine(ctx, depth)
	if err != nil {
		return ScenarioResultDTO{}, err
	}

	if deleteLevel > 0 {
		// line[len-1] is the buyer's level 1
		victim := line[len(line)-deleteLevel]
		if err := h.Registry.Delete(ctx, victim.ID); err != nil {
			return ScenarioResultDTO{}, err
		}
	}

	purchase := commission.PurchaseConfirmed{
		PaymentID: "demo-" + id + "-1",
		PayerID:   ScenarioBuyer,
		PlanID:    plan,
	}
	var out commission.Outcome
	for i := 0; i < deliveries; i++ {
		if out, err = h.Engine.Distribute(ctx, purchase); err != nil {
			return ScenarioResultDTO{}, err
		}
	}

	dto := toOutcomeDTO(out)
	return ScenarioResultDTO{Scenario: id, Users: depth + 1, Outcome: &dto}, nil
}

// registerLine creates u01 <- u02 <- ... <- uNN <- buyer and returns the
// line without the buyer, root first.
func (h *Handler) registerLine(ctx context.Context, depth int) ([]referral.User, error) {
	line := make([]referral.User, 0, depth)
	var parent referral.UserID
	for i := 1; i <= depth; i++ {
		u, err := h.Registry.Register(ctx, referral.NewUser{
			ID:         referral.UserID(fmt.Sprintf("u%02d", i)),
			Name:       fmt.Sprintf("Demo User %d", i),
			Email:      fmt.Sprintf("user%02d@example.com", i),
			ReferredBy: parent,
			Plan:       string(commission.PlanBasic),
		})
		if err != nil {
			return nil, err
		}
		line = append(line, u)
		parent = u.ID
	}
	_, err := h.Registry.Register(ctx, referral.NewUser{
		ID:         ScenarioBuyer,
		Name:       "Demo Buyer",
		Email:      "buyer@example.com",
		ReferredBy: parent,
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}
