/*
engine.go - Commission distribution engine

PURPOSE:
  Turns a PurchaseConfirmed into one ledger credit per ancestor, exactly once
  per (event, ancestor) pair, surviving retries, duplicate deliveries and
  crashes between levels.

FLOW (Distribute / Replay):
  1. Create the event in PENDING, keyed by payment id
     (Accept stops here; a worker or the scheduler replays it later)
  2. Begin an attempt: CAS on the event version, with a watchdog
     NextRetryAt in case the attempt never finishes
  3. Resolve the payer's ancestors
  4. For each ancestor in level order:
       missing      -> count, continue
       zero amount  -> skip or record, per ZeroRatePolicy
       TryClaim     -> skip if applied or held elsewhere
       Credit       -> mark applied, notify
       exhausted    -> release claim, count as failed
  5. Store the final status: CAS on the version written in step 2

FINAL STATUS:
  resolution failed                  FAILED
  any level failed or held elsewhere PARTIALLY_DISTRIBUTED, retry scheduled
  only missing ancestors             PARTIALLY_DISTRIBUTED, no retry
  otherwise                          DISTRIBUTED

  Re-running a PARTIALLY_DISTRIBUTED or FAILED event is always safe: applied
  pairs are skipped by the guard, and the ledger's idempotency key rejects a
  credit whose claim was lost.
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/metrics"
	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/referral"
)

// Ancestry resolves a payer's materialized ancestor chain.
type Ancestry interface {
	Resolve(ctx context.Context, userID referral.UserID) ([]referral.Resolution, error)
}

// WalletLedger appends commission credits.
type WalletLedger interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Transaction, error)
}

// ZeroRatePolicy decides what happens to a level whose commission is zero.
type ZeroRatePolicy string

const (
	ZeroRateSkip   ZeroRatePolicy = "skip"   // no transaction
	ZeroRateRecord ZeroRatePolicy = "record" // zero-amount credit for audit
)

// Config tunes the engine.
type Config struct {
	Retry RetryPolicy

	// MaxAttempts caps automatic replays of an unfinished event. Beyond it
	// the event waits for a manual replay.
	MaxAttempts int

	// RetryDelay is multiplied by the attempt count to schedule NextRetryAt.
	RetryDelay time.Duration

	ZeroRate ZeroRatePolicy
}

func DefaultConfig() Config {
	return Config{
		Retry:       DefaultRetryPolicy(),
		MaxAttempts: 5,
		RetryDelay:  time.Minute,
		ZeroRate:    ZeroRateSkip,
	}
}

// Engine distributes commissions.
type Engine struct {
	Catalog  *Catalog
	Ancestry Ancestry
	Ledger   WalletLedger
	Guard    *Guard
	Store    EventStore
	Notifier notify.Notifier
	Log      logrus.FieldLogger
	Config   Config
	Now      func() time.Time
}

func NewEngine(catalog *Catalog, ancestry Ancestry, wallets WalletLedger, guard *Guard, events EventStore, notifier notify.Notifier, log logrus.FieldLogger, cfg Config) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.ZeroRate == "" {
		cfg.ZeroRate = ZeroRateSkip
	}
	return &Engine{
		Catalog:  catalog,
		Ancestry: ancestry,
		Ledger:   wallets,
		Guard:    guard,
		Store:    events,
		Notifier: notifier,
		Log:      log,
		Config:   cfg,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// OUTCOME
// =============================================================================

// LevelFailure is a level left unapplied by this attempt.
type LevelFailure struct {
	Level      int
	AncestorID referral.UserID
	Reason     string
}

// Outcome reports what one Distribute or Replay call did.
type Outcome struct {
	Event     Event
	Credits   []ledger.Transaction // appended by this call
	Applied   []int                // levels found already credited
	Skipped   []int                // zero-amount levels under ZeroRateSkip
	Missing   []referral.Ancestor
	Failed    []LevelFailure
	Duplicate bool // event was already DISTRIBUTED; nothing ran
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// Distribute processes a purchase confirmation. Safe to call any number of
// times for the same payment.
func (e *Engine) Distribute(ctx context.Context, p PurchaseConfirmed) (Outcome, error) {
	ev, err := e.newEvent(p)
	if err != nil {
		return Outcome{}, err
	}
	stored, isNew, err := e.createEvent(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}
	if !isNew {
		if stored.Status == StatusDistributed {
			metrics.RecordDuplicateDelivery()
			e.Log.WithField("event_id", ev.ID).Info("duplicate delivery of distributed event ignored")
			return Outcome{Event: stored, Duplicate: true}, nil
		}
		e.Log.WithFields(logrus.Fields{
			"event_id": ev.ID,
			"status":   stored.Status,
		}).Info("redelivered event resumes distribution")
	}
	return e.run(ctx, stored)
}

// Accept validates p and stores it as a PENDING event without distributing
// it. The event is due for replay after RetryDelay, so it is picked up even
// if the caller never hands it to a worker. An existing event is returned
// unchanged.
func (e *Engine) Accept(ctx context.Context, p PurchaseConfirmed) (Event, error) {
	ev, err := e.newEvent(p)
	if err != nil {
		return Event{}, err
	}
	due := ev.CreatedAt.Add(e.Config.RetryDelay)
	ev.NextRetryAt = &due

	stored, isNew, err := e.createEvent(ctx, ev)
	if err != nil {
		return Event{}, err
	}
	if !isNew && stored.Status == StatusDistributed {
		metrics.RecordDuplicateDelivery()
		e.Log.WithField("event_id", ev.ID).Info("duplicate delivery of distributed event ignored")
	}
	return stored, nil
}

// Replay re-runs distribution for an existing event.
func (e *Engine) Replay(ctx context.Context, id EventID) (Outcome, error) {
	ev, err := retryValue(ctx, e.Config.Retry, e.Log, "get_event", func() (*Event, error) {
		return e.Store.GetEvent(ctx, id)
	})
	if err != nil {
		return Outcome{}, err
	}
	if ev.Status == StatusDistributed {
		return Outcome{Event: *ev, Duplicate: true}, nil
	}
	return e.run(ctx, *ev)
}

func (e *Engine) newEvent(p PurchaseConfirmed) (Event, error) {
	if err := p.Validate(); err != nil {
		return Event{}, err
	}
	amount, err := e.purchaseAmount(p)
	if err != nil {
		return Event{}, err
	}
	now := e.Now()
	confirmed := p.Timestamp
	if confirmed.IsZero() {
		confirmed = now
	}
	return Event{
		ID:          EventID(p.PaymentID),
		PayerID:     p.PayerID,
		PlanID:      NormalizePlanID(string(p.PlanID)),
		Amount:      amount,
		Status:      StatusPending,
		ConfirmedAt: confirmed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// createEvent stores ev unless its payment is already known, and returns
// the stored event either way.
func (e *Engine) createEvent(ctx context.Context, ev Event) (Event, bool, error) {
	type created struct {
		event Event
		isNew bool
	}
	res, err := retryValue(ctx, e.Config.Retry, e.Log, "create_event", func() (created, error) {
		stored, isNew, err := e.Store.CreateEvent(ctx, ev)
		return created{stored, isNew}, err
	})
	if err != nil {
		return Event{}, false, fmt.Errorf("create event %s: %w", ev.ID, err)
	}
	return res.event, res.isNew, nil
}

func (e *Engine) purchaseAmount(p PurchaseConfirmed) (ledger.Amount, error) {
	amount := p.Amount
	if amount.Currency == "" && amount.IsZero() {
		plan, ok := e.Catalog.Plan(p.PlanID)
		if !ok {
			return ledger.Amount{}, &InvalidEventError{Field: "amount", Reason: "is required for unknown plan " + string(p.PlanID)}
		}
		amount = plan.Amount
	}
	if amount.Currency != e.Catalog.Currency {
		return ledger.Amount{}, &InvalidEventError{Field: "amount", Reason: fmt.Sprintf("currency %s does not match %s", amount.Currency, e.Catalog.Currency)}
	}
	return amount, nil
}

// =============================================================================
// ATTEMPT
// =============================================================================

func (e *Engine) run(ctx context.Context, ev Event) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.DistributionDuration.Observe(time.Since(start).Seconds()) }()

	ev, ok, err := e.beginAttempt(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Event: ev}, nil
	}

	log := e.Log.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"payer_id": ev.PayerID,
		"plan":     ev.PlanID,
		"attempt":  ev.Attempts,
	})
	out := Outcome{}

	resolutions, err := retryValue(ctx, e.Config.Retry, log, "resolve_ancestors", func() ([]referral.Resolution, error) {
		return e.Ancestry.Resolve(ctx, ev.PayerID)
	})
	if err != nil {
		log.WithError(err).Error("ancestor resolution failed")
		ev.Status = StatusFailed
		ev.LastError = err.Error()
		ev.NextRetryAt = nil
		if !IsPermanent(err) {
			ev.NextRetryAt = e.nextRetry(ev)
		}
		return e.finish(ctx, ev, out)
	}

	for _, r := range resolutions {
		e.applyLevel(ctx, log, ev, r, &out)
	}

	ev.Credited = len(out.Credits) + len(out.Applied)
	ev.Skipped = len(out.Skipped)
	ev.Missing = len(out.Missing)
	ev.Failed = len(out.Failed)
	ev.LastError = ""
	ev.NextRetryAt = nil

	switch {
	case len(out.Failed) > 0:
		ev.Status = StatusPartiallyDistributed
		ev.LastError = out.Failed[0].Reason
		ev.NextRetryAt = e.nextRetry(ev)
		if ev.NextRetryAt == nil {
			log.WithField("failed", len(out.Failed)).Error("retry budget exhausted, event needs manual replay")
		}
	case len(out.Missing) > 0:
		ev.Status = StatusPartiallyDistributed
		ev.LastError = fmt.Sprintf("%d ancestor(s) not found", len(out.Missing))
	default:
		ev.Status = StatusDistributed
	}
	return e.finish(ctx, ev, out)
}

// beginAttempt bumps Attempts under CAS. ok=false means another worker
// changed the event first; the reloaded event is returned.
//
// The stored attempt carries a NextRetryAt of its own, so an event whose
// worker dies before finish is still found by DueForRetry. finish replaces it.
func (e *Engine) beginAttempt(ctx context.Context, ev Event) (Event, bool, error) {
	next := ev
	next.Attempts++
	next.UpdatedAt = e.Now()
	watchdog := next.UpdatedAt.Add(e.attemptTimeout())
	next.NextRetryAt = &watchdog
	err := retry(ctx, e.Config.Retry, e.Log, "begin_attempt", func() error {
		return e.Store.UpdateEvent(ctx, next, ev.Version)
	})
	if errors.Is(err, ErrConcurrentModification) {
		e.Log.WithField("event_id", ev.ID).Info("event changed by another worker, attempt skipped")
		cur, gerr := e.Store.GetEvent(ctx, ev.ID)
		if gerr != nil {
			return ev, false, gerr
		}
		return *cur, false, nil
	}
	if err != nil {
		return ev, false, fmt.Errorf("begin attempt on %s: %w", ev.ID, err)
	}
	next.Version = ev.Version + 1
	return next, true, nil
}

func (e *Engine) finish(ctx context.Context, ev Event, out Outcome) (Outcome, error) {
	ev.UpdatedAt = e.Now()
	err := retry(ctx, e.Config.Retry, e.Log, "finish_event", func() error {
		return e.Store.UpdateEvent(ctx, ev, ev.Version)
	})
	if errors.Is(err, ErrConcurrentModification) {
		// A newer attempt began meanwhile; its result is authoritative.
		cur, gerr := e.Store.GetEvent(ctx, ev.ID)
		if gerr != nil {
			return out, gerr
		}
		out.Event = *cur
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("store status of %s: %w", ev.ID, err)
	}
	ev.Version++
	out.Event = ev

	metrics.RecordEvent(string(ev.Status))
	e.Log.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"status":   ev.Status,
		"credited": ev.Credited,
		"skipped":  ev.Skipped,
		"missing":  ev.Missing,
		"failed":   ev.Failed,
	}).Info("distribution attempt finished")
	return out, nil
}

// attemptTimeout is how long an attempt may run before its event is due
// again. Never shorter than the claim lease.
func (e *Engine) attemptTimeout() time.Duration {
	d := e.Config.RetryDelay
	if e.Guard != nil && e.Guard.Lease > d {
		d = e.Guard.Lease
	}
	return d
}

func (e *Engine) nextRetry(ev Event) *time.Time {
	if e.Config.MaxAttempts > 0 && ev.Attempts >= e.Config.MaxAttempts {
		return nil
	}
	at := e.Now().Add(e.Config.RetryDelay * time.Duration(ev.Attempts))
	return &at
}

// =============================================================================
// PER LEVEL
// =============================================================================

func (e *Engine) applyLevel(ctx context.Context, log logrus.FieldLogger, ev Event, r referral.Resolution, out *Outcome) {
	a := r.Ancestor
	log = log.WithFields(logrus.Fields{"level": a.Level, "ancestor_id": a.UserID})

	if r.Missing() {
		metrics.RecordMissingAncestor()
		log.Warn("ancestor record missing, level skipped")
		out.Missing = append(out.Missing, a)
		return
	}

	rate := e.Catalog.Rate(ev.PlanID, a.Level)
	amount := CalculateCommission(ev.Amount, rate)
	if amount.IsZero() && e.Config.ZeroRate == ZeroRateSkip {
		out.Skipped = append(out.Skipped, a.Level)
		return
	}

	fail := func(reason string) {
		out.Failed = append(out.Failed, LevelFailure{Level: a.Level, AncestorID: a.UserID, Reason: reason})
	}

	claim, err := retryValue(ctx, e.Config.Retry, log, "claim", func() (ClaimResult, error) {
		return e.Guard.TryClaim(ctx, ev.ID, a.UserID, a.Level)
	})
	if err != nil {
		log.WithError(err).Error("claim failed")
		fail(err.Error())
		return
	}
	if !claim.Claimed {
		if claim.Applied {
			out.Applied = append(out.Applied, a.Level)
			return
		}
		log.Info("level held by another worker")
		fail("level " + strconv.Itoa(a.Level) + " in progress elsewhere")
		return
	}

	req := ledger.CreditRequest{
		OwnerID:             ledger.OwnerID(a.UserID),
		Amount:              amount,
		Description:         fmt.Sprintf("Level %d commission from %s purchase", a.Level, ev.PlanID),
		SourceEventID:       string(ev.ID),
		SourceAncestorLevel: a.Level,
		AppliedRate:         rate,
		RateVersion:         e.Catalog.Version(),
		IdempotencyKey:      CreditKey(ev.ID, a.UserID),
	}
	tx, err := retryValue(ctx, e.Config.Retry, log, "credit", func() (ledger.Transaction, error) {
		return e.Ledger.Credit(ctx, req)
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		log.Info("credit already in ledger, claim repaired")
		e.markApplied(ctx, log, ev.ID, a.UserID, claim.Token)
		out.Applied = append(out.Applied, a.Level)
		return
	case err != nil:
		log.WithError(err).Error("credit failed, claim released")
		if rerr := e.Guard.Release(ctx, ev.ID, a.UserID, claim.Token); rerr != nil {
			log.WithError(rerr).Warn("claim release failed, lease will expire")
		}
		fail(err.Error())
		return
	}

	e.markApplied(ctx, log, ev.ID, a.UserID, claim.Token)
	out.Credits = append(out.Credits, tx)

	metrics.RecordCredit(string(ev.PlanID), strconv.Itoa(a.Level), string(amount.Currency), float64(amount.MinorUnits()))
	log.WithFields(logrus.Fields{"amount": amount.Value.String(), "rate": rate.String()}).Info("commission credited")

	if err := e.Notifier.WalletCredited(ctx, notify.WalletCredited{
		OwnerID:       string(tx.OwnerID),
		Amount:        tx.Amount.MinorUnits(),
		Currency:      string(tx.Amount.Currency),
		SourceEventID: tx.SourceEventID,
		Level:         tx.SourceAncestorLevel,
		TransactionID: string(tx.ID),
		Timestamp:     tx.Timestamp,
	}); err != nil {
		log.WithError(err).Warn("wallet notification failed")
	}
}

// markApplied failures are logged only. The credit is in the ledger; a later
// takeover of the claim hits the idempotency key and repairs it.
func (e *Engine) markApplied(ctx context.Context, log logrus.FieldLogger, id EventID, ancestor referral.UserID, token string) {
	err := retry(ctx, e.Config.Retry, log, "mark_applied", func() error {
		return e.Guard.MarkApplied(ctx, id, ancestor, token)
	})
	if err != nil {
		log.WithError(err).Warn("claim not marked applied")
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Preview returns per-level commission for a hypothetical purchase.
func (e *Engine) Preview(plan PlanID, amount ledger.Amount) []PreviewLine {
	return e.Catalog.Preview(plan, amount)
}

func (e *Engine) Event(ctx context.Context, id EventID) (Event, error) {
	ev, err := e.Store.GetEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}
	return *ev, nil
}

func (e *Engine) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	return e.Store.ListEvents(ctx, filter)
}

func (e *Engine) Claims(ctx context.Context, id EventID) ([]Claim, error) {
	return e.Guard.Claims(ctx, id)
}

// DueForRetry lists unfinished events whose retry time has come.
func (e *Engine) DueForRetry(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	return e.Store.DueEvents(ctx, now, limit)
}
