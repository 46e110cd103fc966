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

package config

import (
	"fmt"

	"github.com/captely/cascade/core/types"
	"github.com/shopspring/decimal"
)

// StaticBilling serves subscriptions straight from the configuration
// file. It is the billing boundary for single-tenant and development
// deployments; SaaS deployments implement ledger.BillingSource against
// their billing database instead.
type StaticBilling struct {
	defaultPlan string
	plans       map[string]PlanConfig
	users       map[string]string
}

// NewStaticBilling captures the billing section. The maps are copied so
// later mutation of the Config does not leak into running lookups.
func NewStaticBilling(cfg BillingConfig) *StaticBilling {
	b := &StaticBilling{
		defaultPlan: cfg.DefaultPlan,
		plans:       make(map[string]PlanConfig, len(cfg.Plans)),
		users:       make(map[string]string, len(cfg.Users)),
	}
	for name, plan := range cfg.Plans {
		b.plans[name] = plan
	}
	for user, plan := range cfg.Users {
		b.users[user] = plan
	}
	return b
}

// Subscription implements ledger.BillingSource. Users without an
// assignment fall back to the default plan; with no default plan they
// run on the ledger's quota defaults.
func (b *StaticBilling) Subscription(user string) (*types.Subscription, error) {
	name, ok := b.users[user]
	if !ok {
		name = b.defaultPlan
	}
	if name == "" {
		return nil, nil
	}
	plan, ok := b.plans[name]
	if !ok {
		return nil, fmt.Errorf("plan %q not configured", name)
	}
	sub := &types.Subscription{
		Plan:         name,
		DailyQuota:   plan.DailyQuota,
		MonthlyQuota: plan.MonthlyQuota,
		UnitPrice:    plan.PricePerEnrichment,
	}
	if len(plan.PerProviderMonth) > 0 {
		sub.ProviderMonthQuota = make(map[string]decimal.Decimal, len(plan.PerProviderMonth))
		for prov, q := range plan.PerProviderMonth {
			sub.ProviderMonthQuota[prov] = q
		}
	}
	return sub, nil
}
