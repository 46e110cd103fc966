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

package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/captely/cascade/core/types"
	"github.com/shopspring/decimal"
)

// QuotaKind names the ceiling a rejected consumption ran into.
type QuotaKind string

const (
	QuotaBalance       QuotaKind = "balance"
	QuotaDaily         QuotaKind = "daily"
	QuotaMonthly       QuotaKind = "monthly"
	QuotaProviderMonth QuotaKind = "provider_month"
)

// QuotaError reports a consumption rejected before any state change. The
// ledger guarantees that a rejected charge leaves no trace: no entry, no
// balance movement, no counter update.
type QuotaError struct {
	Kind      QuotaKind
	User      string
	Provider  string
	Need      decimal.Decimal
	Remaining decimal.Decimal
}

func (e *QuotaError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("quota exceeded (%s) for user %s on provider %s: need %s, remaining %s",
			e.Kind, e.User, e.Provider, e.Need, e.Remaining)
	}
	return fmt.Sprintf("quota exceeded (%s) for user %s: need %s, remaining %s",
		e.Kind, e.User, e.Need, e.Remaining)
}

// IsQuotaExceeded reports whether err is a quota rejection.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// limits are the effective ceilings for one user after plan values and
// configured defaults are merged. Zero means unlimited.
type limits struct {
	daily           decimal.Decimal
	monthly         decimal.Decimal
	providerMonth   map[string]decimal.Decimal
	providerDefault decimal.Decimal
	unitPrice       decimal.Decimal
}

func (l limits) providerCap(provider string) decimal.Decimal {
	if ceiling, ok := l.providerMonth[provider]; ok {
		return ceiling
	}
	return l.providerDefault
}

func mergeLimits(sub *types.Subscription, cfg Config) limits {
	lim := limits{
		daily:           cfg.DailyDefault,
		monthly:         cfg.MonthlyDefault,
		providerDefault: cfg.ProviderMonthDefault,
		unitPrice:       cfg.UnitPriceDefault,
	}
	if sub == nil {
		return lim
	}
	if sub.DailyQuota.IsPositive() {
		lim.daily = sub.DailyQuota
	}
	if sub.MonthlyQuota.IsPositive() {
		lim.monthly = sub.MonthlyQuota
	}
	if len(sub.ProviderMonthQuota) > 0 {
		lim.providerMonth = sub.ProviderMonthQuota
	}
	if sub.UnitPrice.IsPositive() {
		lim.unitPrice = sub.UnitPrice
	}
	return lim
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }
