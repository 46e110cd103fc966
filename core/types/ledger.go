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

package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operation is the kind of a credit ledger entry.
type Operation string

const (
	OpEnrichment   Operation = "enrichment"
	OpVerification Operation = "verification"
	OpTopUp        Operation = "topup"
	OpRefund       Operation = "refund"
	OpCacheHit     Operation = "cache_hit"
)

// LedgerEntry is one append-only row of the credit transaction log. The
// ledger is the single source of truth for billing reconciliation; balances
// and quota counters are maintained alongside but always recomputable from
// the entries.
type LedgerEntry struct {
	Seq       uint64          `json:"seq"` // per-user monotonic sequence
	UserID    string          `json:"user_id"`
	ContactID uuid.UUID       `json:"contact_id,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Operation Operation       `json:"operation"`
	Cost      decimal.Decimal `json:"cost"`
	Success   bool            `json:"success"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Balance tracks a user's credits. Exactly one per user, created at
// provisioning and never destroyed.
type Balance struct {
	UserID    string          `json:"user_id"`
	Total     decimal.Decimal `json:"total_credits"`
	Used      decimal.Decimal `json:"used_credits"`
	Expired   decimal.Decimal `json:"expired_credits"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Remaining returns the spendable credits.
func (b *Balance) Remaining() decimal.Decimal {
	return b.Total.Sub(b.Used).Sub(b.Expired)
}

// QuotaState is the derived consumption picture of a user, recomputable
// from the ledger and cacheable with a short TTL.
type QuotaState struct {
	UserID        string                     `json:"user_id"`
	Today         decimal.Decimal            `json:"today_consumed"`
	Month         decimal.Decimal            `json:"month_consumed"`
	ProviderMonth map[string]decimal.Decimal `json:"per_provider_month_consumed,omitempty"`
	Remaining     decimal.Decimal            `json:"remaining_credits"`
	TakenAt       time.Time                  `json:"taken_at"`
}

// Subscription is the active plan read from the billing boundary: quota
// ceilings (zero value means unlimited) and the price charged per
// enrichment result.
type Subscription struct {
	Plan               string                     `json:"plan"`
	DailyQuota         decimal.Decimal            `json:"daily_quota"`
	MonthlyQuota       decimal.Decimal            `json:"monthly_quota"`
	ProviderMonthQuota map[string]decimal.Decimal `json:"per_provider_month_quota,omitempty"`
	UnitPrice          decimal.Decimal            `json:"price_per_enrichment"`
}
