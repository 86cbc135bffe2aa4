/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are integers in the currency's minor units. Rates are decimal
  strings ("15", "2.5") so no precision is lost.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.validate.Struct before touching the domain.
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// PURCHASES
// =============================================================================

// PurchaseRequest is a PurchaseConfirmed event from billing. Amount defaults
// to the plan price when omitted.
type PurchaseRequest struct {
	PaymentID string     `json:"payment_id" validate:"required,max=128"`
	PayerID   string     `json:"payer_id" validate:"required,max=128"`
	PlanID    string     `json:"plan_id" validate:"required,max=64"`
	Amount    *int64     `json:"amount,omitempty" validate:"omitempty,gte=0"`
	Currency  string     `json:"currency,omitempty" validate:"omitempty,len=3"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (r PurchaseRequest) toEvent(defaultCurrency ledger.Currency) commission.PurchaseConfirmed {
	p := commission.PurchaseConfirmed{
		PaymentID: r.PaymentID,
		PayerID:   referral.UserID(r.PayerID),
		PlanID:    commission.NormalizePlanID(r.PlanID),
	}
	if r.Amount != nil {
		currency := defaultCurrency
		if r.Currency != "" {
			currency = ledger.Currency(r.Currency)
		}
		p.Amount = ledger.NewAmount(*r.Amount, currency)
	}
	if r.Timestamp != nil {
		p.Timestamp = r.Timestamp.UTC()
	}
	return p
}

// QueuedDTO acknowledges an asynchronously accepted purchase.
type QueuedDTO struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// OutcomeDTO is the result of a synchronous distribution or replay.
type OutcomeDTO struct {
	Event     EventDTO          `json:"event"`
	Credits   []TransactionDTO  `json:"credits"`
	Applied   []int             `json:"applied_levels,omitempty"`
	Skipped   []int             `json:"skipped_levels,omitempty"`
	Missing   []AncestorDTO     `json:"missing_ancestors,omitempty"`
	Failed    []LevelFailureDTO `json:"failed_levels,omitempty"`
	Duplicate bool              `json:"duplicate"`
}

type LevelFailureDTO struct {
	Level      int    `json:"level"`
	AncestorID string `json:"ancestor_id"`
	Reason     string `json:"reason"`
}

func toOutcomeDTO(o commission.Outcome) OutcomeDTO {
	dto := OutcomeDTO{
		Event:     toEventDTO(o.Event, nil),
		Credits:   toTransactionDTOs(o.Credits),
		Applied:   o.Applied,
		Skipped:   o.Skipped,
		Duplicate: o.Duplicate,
	}
	for _, a := range o.Missing {
		dto.Missing = append(dto.Missing, AncestorDTO{UserID: string(a.UserID), Level: a.Level, Missing: true})
	}
	for _, f := range o.Failed {
		dto.Failed = append(dto.Failed, LevelFailureDTO{Level: f.Level, AncestorID: string(f.AncestorID), Reason: f.Reason})
	}
	return dto
}

// =============================================================================
// EVENTS
// =============================================================================

type EventDTO struct {
	ID          string     `json:"id"`
	PayerID     string     `json:"payer_id"`
	PlanID      string     `json:"plan_id"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Credited    int        `json:"credited"`
	Skipped     int        `json:"skipped"`
	Missing     int        `json:"missing"`
	Failed      int        `json:"failed"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	ConfirmedAt time.Time  `json:"confirmed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Claims      []ClaimDTO `json:"claims,omitempty"`
}

type ClaimDTO struct {
	AncestorID string     `json:"ancestor_id"`
	Level      int        `json:"level"`
	Status     string     `json:"status"`
	ClaimedAt  time.Time  `json:"claimed_at"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
}

func toEventDTO(e commission.Event, claims []commission.Claim) EventDTO {
	dto := EventDTO{
		ID:          string(e.ID),
		PayerID:     string(e.PayerID),
		PlanID:      string(e.PlanID),
		Amount:      e.Amount.MinorUnits(),
		Currency:    string(e.Amount.Currency),
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		Credited:    e.Credited,
		Skipped:     e.Skipped,
		Missing:     e.Missing,
		Failed:      e.Failed,
		LastError:   e.LastError,
		NextRetryAt: e.NextRetryAt,
		ConfirmedAt: e.ConfirmedAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	for _, c := range claims {
		dto.Claims = append(dto.Claims, ClaimDTO{
			AncestorID: string(c.AncestorID),
			Level:      c.Level,
			Status:     string(c.Status),
			ClaimedAt:  c.ClaimedAt,
			AppliedAt:  c.AppliedAt,
		})
	}
	return dto
}

// =============================================================================
// PLANS & RATES
// =============================================================================

type PlanDTO struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	Rates    []RateDTO `json:"rates"`
}

type RateDTO struct {
	Plan  string `json:"plan,omitempty"`
	Level int    `json:"level"`
	Rate  string `json:"rate"`
}

type PreviewDTO struct {
	Plan     string           `json:"plan"`
	Amount   int64            `json:"amount"`
	Currency string           `json:"currency"`
	Version  string           `json:"rate_version"`
	Levels   []PreviewLineDTO `json:"levels"`
	Total    int64            `json:"total"`
}

type PreviewLineDTO struct {
	Level      int    `json:"level"`
	Rate       string `json:"rate"`
	Commission int64  `json:"commission"`
}

type CalculationDTO struct {
	Amount     int64  `json:"amount"`
	Rate       string `json:"rate"`
	Commission int64  `json:"commission"`
}

// =============================================================================
// USERS
// =============================================================================

// CreateUserRequest registers a user. The parent is given by id or by the
// parent's referral code, not both.
type CreateUserRequest struct {
	ID           string `json:"id,omitempty" validate:"omitempty,max=128"`
	Name         string `json:"name" validate:"required,max=200"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	ReferredBy   string `json:"referred_by,omitempty" validate:"excluded_with=ReferralCode"`
	ReferralCode string `json:"referral_code,omitempty" validate:"omitempty,len=12"`
	Plan         string `json:"plan,omitempty"`
}

type UserDTO struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Email         string        `json:"email,omitempty"`
	ReferralCode  string        `json:"referral_code"`
	ReferredBy    string        `json:"referred_by,omitempty"`
	Ancestors     []AncestorDTO `json:"ancestors"`
	ReferralCount int           `json:"referral_count"`
	Plan          string        `json:"plan,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type AncestorDTO struct {
	UserID  string `json:"user_id"`
	Level   int    `json:"level"`
	Missing bool   `json:"missing,omitempty"`
}

func toUserDTO(u referral.User) UserDTO {
	dto := UserDTO{
		ID:            string(u.ID),
		Name:          u.Name,
		Email:         u.Email,
		ReferralCode:  u.ReferralCode,
		ReferredBy:    string(u.ReferredBy),
		Ancestors:     make([]AncestorDTO, len(u.Ancestors)),
		ReferralCount: u.ReferralCount,
		Plan:          u.Plan,
		CreatedAt:     u.CreatedAt,
	}
	for i, a := range u.Ancestors {
		dto.Ancestors[i] = AncestorDTO{UserID: string(a.UserID), Level: a.Level}
	}
	return dto
}

// =============================================================================
// WALLETS
// =============================================================================

type WalletDTO struct {
	OwnerID          string    `json:"owner_id"`
	Currency         string    `json:"currency"`
	Balance          int64     `json:"balance"`
	TotalEarnings    int64     `json:"total_earnings"`
	TransactionCount int       `json:"transaction_count"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		OwnerID:          string(w.OwnerID),
		Currency:         string(w.Currency),
		Balance:          w.Balance.MinorUnits(),
		TotalEarnings:    w.TotalEarnings.MinorUnits(),
		TransactionCount: w.TransactionCount,
		UpdatedAt:        w.UpdatedAt,
	}
}

type TransactionDTO struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Type           string    `json:"type"`
	Description    string    `json:"description,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SourceEventID  string    `json:"source_event_id,omitempty"`
	Level          int       `json:"level,omitempty"`
	AppliedRate    string    `json:"applied_rate,omitempty"`
	RateVersion    string    `json:"rate_version,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		out[i] = TransactionDTO{
			ID:             string(t.ID),
			OwnerID:        string(t.OwnerID),
			Amount:         t.Amount.MinorUnits(),
			Currency:       string(t.Amount.Currency),
			Type:           string(t.Type),
			Description:    t.Description,
			Timestamp:      t.Timestamp,
			SourceEventID:  t.SourceEventID,
			Level:          t.SourceAncestorLevel,
			RateVersion:    t.RateVersion,
			IdempotencyKey: t.IdempotencyKey,
		}
		if t.SourceEventID != "" {
			out[i].AppliedRate = t.AppliedRate.String()
		}
	}
	return out
}

// DebitWalletRequest withdraws from a wallet.
type DebitWalletRequest struct {
	Amount         int64  `json:"amount" validate:"gt=0"`
	Description    string `json:"description,omitempty" validate:"max=500"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

type VerifyDTO struct {
	OwnerID string    `json:"owner_id"`
	OK      bool      `json:"ok"`
	Wallet  WalletDTO `json:"wallet"`
	Details string    `json:"details,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ScenarioResultDTO struct {
	Scenario string      `json:"scenario"`
	Users    int         `json:"users"`
	Outcome  *OutcomeDTO `json:"outcome,omitempty"`
}
