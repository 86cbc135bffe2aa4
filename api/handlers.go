/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes purchase intake, the rate catalog, the referral registry, wallets
  and commission events over REST. Handlers parse and validate, delegate to
  the domain packages, and serialize.

ENDPOINTS:
  Purchases:
    POST   /api/purchases                    Store a PurchaseConfirmed, queue it (202)
    POST   /api/purchases?sync=true          Distribute inline (200, outcome)

  Catalog:
    GET    /api/plans                        Plans with their level rates
    GET    /api/plans/{plan}/rates/{level}   One rate (0 outside the table)
    GET    /api/plans/{plan}/preview         Per-level commission preview
    GET    /api/commission/calculate         amount * rate / 100, rounded

  Users:
    POST   /api/users                        Register (by referrer id or code)
    GET    /api/users/{id}                   User record
    GET    /api/users/{id}/ancestors         Chain with missing entries flagged
    GET    /api/users/{id}/referrals         Direct referrals
    DELETE /api/users/{id}                   Remove a record
    GET    /api/referral-codes/{code}        Owner of a referral code

  Wallets:
    GET    /api/wallets/{id}                 Balance counters
    GET    /api/wallets/{id}/transactions    Append-ordered log
    GET    /api/wallets/{id}/verify          Counters vs replayed log
    POST   /api/wallets/{id}/debits          Withdraw

  Events:
    GET    /api/events?status=&limit=        Newest first
    GET    /api/events/{id}                  Event with its claims
    POST   /api/events/{id}/replay           Operator re-trigger

ERROR HANDLING:
  400 validation, 404 not found, 409 conflict, 503 queue full or store down,
  500 anything else. Body is ErrorResponse.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/worker"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Submitter queues stored events for background distribution.
type Submitter interface {
	Submit(id commission.EventID) error
}

// Resetter wipes a store. Only wired when scenarios are enabled.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *commission.Engine
	Registry *referral.Registry
	Ledger   *ledger.Ledger

	// Queue is optional; without it every purchase is distributed inline.
	Queue Submitter
	// Store is optional; without it the scenario routes are not mounted.
	Store  Resetter
	Health Pinger

	Log      logrus.FieldLogger
	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(engine *commission.Engine, registry *referral.Registry, wallets *ledger.Ledger, log logrus.FieldLogger) *Handler {
	return &Handler{
		Engine:   engine,
		Registry: registry,
		Ledger:   wallets,
		Log:      log.WithField("component", "api"),
		validate: validator.New(),
	}
}

// =============================================================================
// PURCHASES
// =============================================================================

// SubmitPurchase accepts a purchase confirmation.
// POST /api/purchases
func (h *Handler) SubmitPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev := req.toEvent(h.Engine.Catalog.Currency)

	if h.Queue == nil || r.URL.Query().Get("sync") == "true" {
		out, err := h.Engine.Distribute(r.Context(), ev)
		if err != nil {
			h.fail(w, "Distribution failed", err)
			return
		}
		writeJSON(w, http.StatusOK, toOutcomeDTO(out))
		return
	}

	// The event is stored before 202; from then on the replay scheduler
	// owns it even if the queue never delivers it.
	stored, err := h.Engine.Accept(r.Context(), ev)
	if err != nil {
		if errors.Is(err, commission.ErrInvalidEvent) {
			h.fail(w, "Invalid purchase", err)
			return
		}
		h.Log.WithError(err).WithField("payment_id", ev.PaymentID).Error("purchase not recorded")
		writeError(w, http.StatusServiceUnavailable, "Purchase not recorded", err)
		return
	}
	if stored.Status == commission.StatusDistributed {
		writeJSON(w, http.StatusAccepted, QueuedDTO{PaymentID: ev.PaymentID, Status: string(stored.Status)})
		return
	}
	if err := h.Queue.Submit(stored.ID); err != nil {
		h.fail(w, "Purchase not accepted", err)
		return
	}
	writeJSON(w, http.StatusAccepted, QueuedDTO{PaymentID: ev.PaymentID, Status: "queued"})
}

// =============================================================================
// CATALOG
// =============================================================================

// ListPlans returns every plan with its full rate row.
// GET /api/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	catalog := h.Engine.Catalog
	plans := catalog.Plans()
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = PlanDTO{
			ID:       string(p.ID),
			Label:    p.Label,
			Amount:   p.Amount.MinorUnits(),
			Currency: string(p.Amount.Currency),
			Rates:    make([]RateDTO, commission.MaxDepth),
		}
		for level := 1; level <= commission.MaxDepth; level++ {
			dtos[i].Rates[level-1] = RateDTO{Level: level, Rate: catalog.Rate(p.ID, level).String()}
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRate returns one cell of the rate table.
// GET /api/plans/{plan}/rates/{level}
func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	plan := commission.NormalizePlanID(chi.URLParam(r, "plan"))
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Level must be an integer", err)
		return
	}
	writeJSON(w, http.StatusOK, RateDTO{
		Plan:  string(plan),
		Level: level,
		Rate:  h.Engine.Catalog.Rate(plan, level).String(),
	})
}

// PreviewPlan lists the commission each level would earn.
// GET /api/plans/{plan}/preview?amount=
func (h *Handler) PreviewPlan(w http.ResponseWriter, r *http.Request) {
	catalog := h.Engine.Catalog
	planID := commission.NormalizePlanID(chi.URLParam(r, "plan"))

	var amount ledger.Amount
	if raw := r.URL.Query().Get("amount"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "Amount must be a non-negative integer", err)
			return
		}
		amount = ledger.NewAmount(v, catalog.Currency)
	} else {
		plan, ok := catalog.Plan(planID)
		if !ok {
			writeError(w, http.StatusNotFound, "Plan not found", nil)
			return
		}
		amount = plan.Amount
	}

	lines := h.Engine.Preview(planID, amount)
	dto := PreviewDTO{
		Plan:     string(planID),
		Amount:   amount.MinorUnits(),
		Currency: string(amount.Currency),
		Version:  catalog.Version(),
		Levels:   make([]PreviewLineDTO, len(lines)),
		Total:    commission.PreviewTotal(lines, amount.Currency).MinorUnits(),
	}
	for i, l := range lines {
		dto.Levels[i] = PreviewLineDTO{Level: l.Level, Rate: l.Rate.String(), Commission: l.Amount.MinorUnits()}
	}
	writeJSON(w, http.StatusOK, dto)
}

// Calculate applies the commission formula to arbitrary inputs.
// GET /api/commission/calculate?amount=&rate=
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil || amount < 0 {
		writeError(w, http.StatusBadRequest, "Amount must be a non-negative integer", err)
		return
	}
	rate, err := decimal.NewFromString(q.Get("rate"))
	if err != nil || rate.IsNegative() {
		writeError(w, http.StatusBadRequest, "Rate must be a non-negative decimal", err)
		return
	}
	c := commission.CalculateCommission(ledger.NewAmount(amount, h.Engine.Catalog.Currency), rate)
	writeJSON(w, http.StatusOK, CalculationDTO{Amount: amount, Rate: rate.String(), Commission: c.MinorUnits()})
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser registers a user under an optional referrer.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.Registry.Register(r.Context(), referral.NewUser{
		ID:               referral.UserID(req.ID),
		Name:             req.Name,
		Email:            req.Email,
		ReferredBy:       referral.UserID(req.ReferredBy),
		UsedReferralCode: req.ReferralCode,
		Plan:             req.Plan,
	})
	if err != nil {
		h.fail(w, "Failed to register user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// GetUser returns a user record.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Registry.Get(r.Context(), referral.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "User not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetUserByReferralCode resolves a referral code.
// GET /api/referral-codes/{code}
func (h *Handler) GetUserByReferralCode(w http.ResponseWriter, r *http.Request) {
	u, err := h.Registry.GetByReferralCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, "Referral code not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetAncestors returns the resolved chain.
// GET /api/users/{id}/ancestors
func (h *Handler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.Registry.Resolve(r.Context(), referral.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to resolve ancestors", err)
		return
	}
	dtos := make([]AncestorDTO, len(resolved))
	for i, res := range resolved {
		dtos[i] = AncestorDTO{UserID: string(res.Ancestor.UserID), Level: res.Ancestor.Level, Missing: res.Missing()}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReferrals lists direct referrals.
// GET /api/users/{id}/referrals
func (h *Handler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	users, err := h.Registry.Referrals(r.Context(), referral.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to list referrals", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DeleteUser removes a user record. Descendants keep their chains.
// DELETE /api/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Delete(r.Context(), referral.UserID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, "Failed to delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// WALLETS
// =============================================================================

// GetWallet returns the wallet counters.
// GET /api/wallets/{id}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Ledger.Wallet(r.Context(), ledger.OwnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to load wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GetWalletTransactions returns the wallet log in append order.
// GET /api/wallets/{id}/transactions
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.Transactions(r.Context(), ledger.OwnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// VerifyWallet recomputes the balance from the log.
// GET /api/wallets/{id}/verify
func (h *Handler) VerifyWallet(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))
	computed, err := h.Ledger.Verify(r.Context(), owner)

	var drift *ledger.DriftError
	switch {
	case errors.As(err, &drift):
		h.Log.WithField("owner_id", owner).WithError(err).Error("wallet drift detected")
		writeJSON(w, http.StatusOK, VerifyDTO{OwnerID: string(owner), OK: false, Wallet: toWalletDTO(computed), Details: err.Error()})
	case err != nil:
		h.fail(w, "Failed to verify wallet", err)
	default:
		writeJSON(w, http.StatusOK, VerifyDTO{OwnerID: string(owner), OK: true, Wallet: toWalletDTO(computed)})
	}
}

// DebitWallet withdraws from a wallet.
// POST /api/wallets/{id}/debits
func (h *Handler) DebitWallet(w http.ResponseWriter, r *http.Request) {
	var req DebitWalletRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Ledger.Debit(r.Context(), ledger.DebitRequest{
		OwnerID:        ledger.OwnerID(chi.URLParam(r, "id")),
		Amount:         ledger.NewAmount(req.Amount, h.Ledger.Currency),
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, "Debit rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTOs([]ledger.Transaction{tx})[0])
}

// =============================================================================
// EVENTS
// =============================================================================

// ListEvents returns commission events, newest first.
// GET /api/events?status=&limit=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.EventFilter{Status: commission.Status(q.Get("status")), Limit: 100}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown status", nil)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Limit must be a positive integer", err)
			return
		}
		filter.Limit = limit
	}

	events, err := h.Engine.Events(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list events", err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEvent returns an event and its per-ancestor claims.
// GET /api/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := commission.EventID(chi.URLParam(r, "id"))

	ev, err := h.Engine.Event(ctx, id)
	if err != nil {
		h.fail(w, "Event not found", err)
		return
	}
	claims, err := h.Engine.Claims(ctx, id)
	if err != nil {
		h.fail(w, "Failed to load claims", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev, claims))
}

// ReplayEvent re-runs distribution for an event.
// POST /api/events/{id}/replay
func (h *Handler) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	out, err := h.Engine.Replay(r.Context(), commission.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Replay failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTO(out))
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz pings storage.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into v and validates it. On failure the response
// is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// fail maps a domain error to its status code.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, commission.ErrInvalidEvent),
		errors.Is(err, referral.ErrSelfAncestry),
		errors.Is(err, referral.ErrInvalidChain),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrOwnerRequired):
		return http.StatusBadRequest
	case commission.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, referral.ErrUserExists),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, commission.ErrConcurrentModification):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
