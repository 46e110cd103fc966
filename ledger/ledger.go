// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

// Package ledger implements the credit ledger: an append-only transaction
// log with a balance and quota counters maintained in the same atomic unit.
// All mutations for one user are serialized; a consumption that would
// breach the balance or any quota is rejected with no write at all.
package ledger

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/captely/cascade/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BillingSource yields the active subscription of a user. It is the
// boundary to the billing system; the ledger never writes through it.
type BillingSource interface {
	Subscription(user string) (*types.Subscription, error)
}

// Config holds ledger settings. The quota defaults apply when the user's
// subscription does not carry its own ceiling; zero means unlimited.
type Config struct {
	DailyDefault         decimal.Decimal
	MonthlyDefault       decimal.Decimal
	ProviderMonthDefault decimal.Decimal
	UnitPriceDefault     decimal.Decimal

	// LowCreditThreshold arms the low-credit signal; zero disables it.
	// OnLowCredit fires at most once per user per crossing, rearmed by a
	// topup. It is called outside the user's lock.
	LowCreditThreshold decimal.Decimal
	OnLowCredit        func(user string, remaining decimal.Decimal)

	Snapshot *Snapshot        // optional quota snapshot cache
	Clock    func() time.Time // used in tests, defaults to time.Now
	Logger   *zap.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.UnitPriceDefault.IsZero() {
		cfg.UnitPriceDefault = decimal.NewFromInt(1)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

const lockStripes = 64

// Ledger is the only writer of balances, counters and ledger entries.
// Mutations for one user are serialized through a striped lock; the state
// change itself goes to disk in a single batch.
type Ledger struct {
	db      kvdb.Database
	billing BillingSource
	cfg     Config
	log     *zap.Logger
	snap    *Snapshot

	locks [lockStripes]sync.Mutex

	lowMu   sync.Mutex
	lowSent map[string]bool
}

// New creates a ledger on top of db. billing may be nil, in which case
// every user runs on the configured defaults.
func New(db kvdb.Database, billing BillingSource, cfg Config) *Ledger {
	cfg = cfg.withDefaults()
	return &Ledger{
		db:      db,
		billing: billing,
		cfg:     cfg,
		log:     cfg.Logger,
		snap:    cfg.Snapshot,
		lowSent: make(map[string]bool),
	}
}

func (l *Ledger) userLock(user string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(user))
	return &l.locks[h.Sum32()%lockStripes]
}

// ChargeRequest describes one consumption to record.
type ChargeRequest struct {
	ContactID uuid.UUID
	Provider  string
	Operation types.Operation
	Cost      decimal.Decimal
	Details   json.RawMessage
}

// Charge checks the balance and all applicable quotas, decrements them and
// appends the entry, all as one unit. On rejection it returns a *QuotaError
// and writes nothing.
func (l *Ledger) Charge(user string, req ChargeRequest) (*types.LedgerEntry, error) {
	mu := l.userLock(user)
	mu.Lock()
	entry, remaining, err := l.chargeLocked(user, req)
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.maybeLowCredit(user, remaining)
	return entry, nil
}

func (l *Ledger) chargeLocked(user string, req ChargeRequest) (*types.LedgerEntry, decimal.Decimal, error) {
	now := l.cfg.Clock().UTC()
	lim, err := l.limits(user)
	if err != nil {
		return nil, decimal.Zero, err
	}
	balance, err := l.balance(user, now)
	if err != nil {
		return nil, decimal.Zero, err
	}
	day, err := store.ReadDayCounter(l.db, user, dayKey(now))
	if err != nil {
		return nil, decimal.Zero, err
	}
	month, err := store.ReadMonthCounter(l.db, user, monthKey(now))
	if err != nil {
		return nil, decimal.Zero, err
	}

	cost := req.Cost
	external := isExternalProvider(req.Provider)
	var providerUsed decimal.Decimal
	if external {
		providerUsed, err = store.ReadProviderCounter(l.db, user, req.Provider, monthKey(now))
		if err != nil {
			return nil, decimal.Zero, err
		}
	}
	if cost.IsPositive() {
		if remaining := balance.Remaining(); remaining.LessThan(cost) {
			return nil, decimal.Zero, &QuotaError{Kind: QuotaBalance, User: user, Need: cost, Remaining: remaining}
		}
		if lim.daily.IsPositive() && day.Add(cost).GreaterThan(lim.daily) {
			return nil, decimal.Zero, &QuotaError{Kind: QuotaDaily, User: user, Need: cost, Remaining: lim.daily.Sub(day)}
		}
		if lim.monthly.IsPositive() && month.Add(cost).GreaterThan(lim.monthly) {
			return nil, decimal.Zero, &QuotaError{Kind: QuotaMonthly, User: user, Need: cost, Remaining: lim.monthly.Sub(month)}
		}
		if external {
			if ceiling := lim.providerCap(req.Provider); ceiling.IsPositive() && providerUsed.Add(cost).GreaterThan(ceiling) {
				return nil, decimal.Zero, &QuotaError{
					Kind: QuotaProviderMonth, User: user, Provider: req.Provider,
					Need: cost, Remaining: ceiling.Sub(providerUsed),
				}
			}
		}
	}

	seq, err := store.ReadLedgerSeq(l.db, user)
	if err != nil {
		return nil, decimal.Zero, err
	}
	entry := &types.LedgerEntry{
		Seq:       seq + 1,
		UserID:    user,
		ContactID: req.ContactID,
		Provider:  req.Provider,
		Operation: req.Operation,
		Cost:      cost,
		Success:   true,
		Details:   req.Details,
		CreatedAt: now,
	}
	balance.Used = balance.Used.Add(cost)
	balance.UpdatedAt = now
	day = day.Add(cost)
	month = month.Add(cost)

	batch := l.db.NewBatch()
	if err := store.WriteLedgerEntry(batch, entry); err != nil {
		return nil, decimal.Zero, err
	}
	if err := store.WriteLedgerSeq(batch, user, entry.Seq); err != nil {
		return nil, decimal.Zero, err
	}
	if err := store.WriteBalance(batch, balance); err != nil {
		return nil, decimal.Zero, err
	}
	if err := store.WriteDayCounter(batch, user, dayKey(now), day); err != nil {
		return nil, decimal.Zero, err
	}
	if err := store.WriteMonthCounter(batch, user, monthKey(now), month); err != nil {
		return nil, decimal.Zero, err
	}
	if external {
		if err := store.WriteProviderCounter(batch, user, req.Provider, monthKey(now), providerUsed.Add(cost)); err != nil {
			return nil, decimal.Zero, err
		}
	}
	if err := batch.Write(); err != nil {
		return nil, decimal.Zero, fmt.Errorf("ledger write: %w", err)
	}
	l.log.Debug("ledger charge",
		zap.String("user", user),
		zap.Uint64("seq", entry.Seq),
		zap.String("operation", string(req.Operation)),
		zap.String("provider", req.Provider),
		zap.String("cost", cost.String()))
	l.writeThrough(user, balance, day, month, now)
	return entry, balance.Remaining(), nil
}

// ChargeCacheHit records the billing consequence of a cache hit: a zero
// cost audit row for a user duplicate, the enrichment unit price for a
// global hit. apiCostSaved is the provider fee the hit avoided and is kept
// in the entry details for reconciliation.
func (l *Ledger) ChargeCacheHit(user string, contactID uuid.UUID, source string, apiCostSaved decimal.Decimal) (*types.LedgerEntry, error) {
	cost := decimal.Zero
	if source == types.SourceCacheGlobal {
		lim, err := l.limits(user)
		if err != nil {
			return nil, err
		}
		cost = lim.unitPrice
	}
	details, err := json.Marshal(map[string]string{"api_cost_saved": apiCostSaved.String()})
	if err != nil {
		return nil, err
	}
	return l.Charge(user, ChargeRequest{
		ContactID: contactID,
		Provider:  source,
		Operation: types.OpEnrichment,
		Cost:      cost,
		Details:   details,
	})
}

// Refund restores credits previously charged for a contact. The entry
// carries the negated amount; balance and current-period counters move back
// symmetrically.
func (l *Ledger) Refund(user string, contactID uuid.UUID, provider string, amount decimal.Decimal, details json.RawMessage) (*types.LedgerEntry, error) {
	mu := l.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	now := l.cfg.Clock().UTC()
	balance, err := l.balance(user, now)
	if err != nil {
		return nil, err
	}
	day, err := store.ReadDayCounter(l.db, user, dayKey(now))
	if err != nil {
		return nil, err
	}
	month, err := store.ReadMonthCounter(l.db, user, monthKey(now))
	if err != nil {
		return nil, err
	}
	seq, err := store.ReadLedgerSeq(l.db, user)
	if err != nil {
		return nil, err
	}

	entry := &types.LedgerEntry{
		Seq:       seq + 1,
		UserID:    user,
		ContactID: contactID,
		Provider:  provider,
		Operation: types.OpRefund,
		Cost:      amount.Neg(),
		Success:   true,
		Details:   details,
		CreatedAt: now,
	}
	balance.Used = balance.Used.Sub(amount)
	balance.UpdatedAt = now
	day = day.Sub(amount)
	month = month.Sub(amount)

	batch := l.db.NewBatch()
	if err := store.WriteLedgerEntry(batch, entry); err != nil {
		return nil, err
	}
	if err := store.WriteLedgerSeq(batch, user, entry.Seq); err != nil {
		return nil, err
	}
	if err := store.WriteBalance(batch, balance); err != nil {
		return nil, err
	}
	if err := store.WriteDayCounter(batch, user, dayKey(now), day); err != nil {
		return nil, err
	}
	if err := store.WriteMonthCounter(batch, user, monthKey(now), month); err != nil {
		return nil, err
	}
	if isExternalProvider(provider) {
		used, err := store.ReadProviderCounter(l.db, user, provider, monthKey(now))
		if err != nil {
			return nil, err
		}
		if err := store.WriteProviderCounter(batch, user, provider, monthKey(now), used.Sub(amount)); err != nil {
			return nil, err
		}
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("ledger write: %w", err)
	}
	l.writeThrough(user, balance, day, month, now)
	return entry, nil
}

// TopUp adds credits to a user's balance, creating it on first use. The
// entry cost is zero so consumption sums stay the mirror of Used; the
// amount lives in the details. A topup rearms the low-credit signal.
func (l *Ledger) TopUp(user string, amount decimal.Decimal) (*types.LedgerEntry, error) {
	mu := l.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	now := l.cfg.Clock().UTC()
	balance, err := l.balance(user, now)
	if err != nil {
		return nil, err
	}
	seq, err := store.ReadLedgerSeq(l.db, user)
	if err != nil {
		return nil, err
	}
	details, err := json.Marshal(map[string]string{"amount": amount.String()})
	if err != nil {
		return nil, err
	}

	entry := &types.LedgerEntry{
		Seq:       seq + 1,
		UserID:    user,
		Operation: types.OpTopUp,
		Cost:      decimal.Zero,
		Success:   true,
		Details:   details,
		CreatedAt: now,
	}
	balance.Total = balance.Total.Add(amount)
	balance.UpdatedAt = now

	batch := l.db.NewBatch()
	if err := store.WriteLedgerEntry(batch, entry); err != nil {
		return nil, err
	}
	if err := store.WriteLedgerSeq(batch, user, entry.Seq); err != nil {
		return nil, err
	}
	if err := store.WriteBalance(batch, balance); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("ledger write: %w", err)
	}

	l.lowMu.Lock()
	delete(l.lowSent, user)
	l.lowMu.Unlock()

	day, _ := store.ReadDayCounter(l.db, user, dayKey(now))
	month, _ := store.ReadMonthCounter(l.db, user, monthKey(now))
	l.writeThrough(user, balance, day, month, now)
	return entry, nil
}

// Precheck verifies that a consumption of maxCost would pass the balance
// and the daily and monthly ceilings, without changing anything. The
// per-provider ceiling is interrogated per provider during the walk.
func (l *Ledger) Precheck(user string, maxCost decimal.Decimal) error {
	mu := l.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	now := l.cfg.Clock().UTC()
	lim, err := l.limits(user)
	if err != nil {
		return err
	}
	balance, err := l.balance(user, now)
	if err != nil {
		return err
	}
	if remaining := balance.Remaining(); remaining.LessThan(maxCost) {
		return &QuotaError{Kind: QuotaBalance, User: user, Need: maxCost, Remaining: remaining}
	}
	day, err := store.ReadDayCounter(l.db, user, dayKey(now))
	if err != nil {
		return err
	}
	if lim.daily.IsPositive() && day.Add(maxCost).GreaterThan(lim.daily) {
		return &QuotaError{Kind: QuotaDaily, User: user, Need: maxCost, Remaining: lim.daily.Sub(day)}
	}
	month, err := store.ReadMonthCounter(l.db, user, monthKey(now))
	if err != nil {
		return err
	}
	if lim.monthly.IsPositive() && month.Add(maxCost).GreaterThan(lim.monthly) {
		return &QuotaError{Kind: QuotaMonthly, User: user, Need: maxCost, Remaining: lim.monthly.Sub(month)}
	}
	return nil
}

// ProviderAllowed reports whether charging cost through provider would stay
// under the user's per-provider monthly ceiling.
func (l *Ledger) ProviderAllowed(user, provider string, cost decimal.Decimal) (bool, error) {
	lim, err := l.limits(user)
	if err != nil {
		return false, err
	}
	ceiling := lim.providerCap(provider)
	if !ceiling.IsPositive() {
		return true, nil
	}
	used, err := store.ReadProviderCounter(l.db, user, provider, monthKey(l.cfg.Clock().UTC()))
	if err != nil {
		return false, err
	}
	return !used.Add(cost).GreaterThan(ceiling), nil
}

// UnitPrice returns the price charged per enrichment result for this user.
func (l *Ledger) UnitPrice(user string) (decimal.Decimal, error) {
	lim, err := l.limits(user)
	if err != nil {
		return decimal.Zero, err
	}
	return lim.unitPrice, nil
}

// Balance returns the user's balance; unknown users read as empty.
func (l *Ledger) Balance(user string) (*types.Balance, error) {
	return l.balance(user, l.cfg.Clock().UTC())
}

// Entries returns ledger rows for a user starting at fromSeq, oldest first.
func (l *Ledger) Entries(user string, fromSeq uint64, limit int) ([]*types.LedgerEntry, error) {
	return store.ReadLedgerEntries(l.db, user, fromSeq, limit)
}

// Quotas returns the user's consumption picture, served from the snapshot
// cache when one is configured and fresh.
func (l *Ledger) Quotas(user string) (*types.QuotaState, error) {
	if l.snap != nil {
		if qs, ok := l.snap.Get(user); ok {
			return qs, nil
		}
	}
	now := l.cfg.Clock().UTC()
	qs, err := l.computeQuotas(user, now)
	if err != nil {
		return nil, err
	}
	if l.snap != nil {
		l.snap.Put(qs)
	}
	return qs, nil
}

func (l *Ledger) computeQuotas(user string, now time.Time) (*types.QuotaState, error) {
	day, err := store.ReadDayCounter(l.db, user, dayKey(now))
	if err != nil {
		return nil, err
	}
	month, err := store.ReadMonthCounter(l.db, user, monthKey(now))
	if err != nil {
		return nil, err
	}
	perProvider, err := store.ReadProviderCounters(l.db, user, monthKey(now))
	if err != nil {
		return nil, err
	}
	balance, err := l.balance(user, now)
	if err != nil {
		return nil, err
	}
	return &types.QuotaState{
		UserID:        user,
		Today:         day,
		Month:         month,
		ProviderMonth: perProvider,
		Remaining:     balance.Remaining(),
		TakenAt:       now,
	}, nil
}

func (l *Ledger) writeThrough(user string, balance *types.Balance, day, month decimal.Decimal, now time.Time) {
	if l.snap == nil {
		return
	}
	perProvider, err := store.ReadProviderCounters(l.db, user, monthKey(now))
	if err != nil {
		l.log.Debug("quota snapshot skipped", zap.String("user", user), zap.Error(err))
		return
	}
	l.snap.Put(&types.QuotaState{
		UserID:        user,
		Today:         day,
		Month:         month,
		ProviderMonth: perProvider,
		Remaining:     balance.Remaining(),
		TakenAt:       now,
	})
}

func (l *Ledger) balance(user string, now time.Time) (*types.Balance, error) {
	balance, err := store.ReadBalance(l.db, user)
	if err == kvdb.ErrNotFound {
		return &types.Balance{UserID: user, UpdatedAt: now}, nil
	}
	return balance, err
}

func (l *Ledger) limits(user string) (limits, error) {
	var sub *types.Subscription
	if l.billing != nil {
		var err error
		sub, err = l.billing.Subscription(user)
		if err != nil {
			return limits{}, fmt.Errorf("billing source: %w", err)
		}
	}
	return mergeLimits(sub, l.cfg), nil
}

func (l *Ledger) maybeLowCredit(user string, remaining decimal.Decimal) {
	if l.cfg.OnLowCredit == nil || !l.cfg.LowCreditThreshold.IsPositive() {
		return
	}
	if remaining.GreaterThanOrEqual(l.cfg.LowCreditThreshold) {
		return
	}
	l.lowMu.Lock()
	sent := l.lowSent[user]
	if !sent {
		l.lowSent[user] = true
	}
	l.lowMu.Unlock()
	if !sent {
		l.cfg.OnLowCredit(user, remaining)
	}
}

// isExternalProvider separates real provider names from the cache pseudo
// providers, which never count toward per-provider ceilings.
func isExternalProvider(provider string) bool {
	return provider != "" &&
		provider != types.SourceCacheUserDuplicate &&
		provider != types.SourceCacheGlobal
}
