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

package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// Handle is one step of the cascade: an adapter wrapped with its token
// bucket, circuit breaker and retry policy. The coordinator only ever talks
// to handles.
type Handle struct {
	adapter  Adapter
	limiter  *Limiter
	breakers *Breakers
	retries  int
}

func (h *Handle) Name() string          { return h.adapter.Name() }
func (h *Handle) Cost() decimal.Decimal { return h.adapter.Cost() }
func (h *Handle) Capabilities() CapSet  { return h.adapter.Capabilities() }

// Available reports whether the provider's circuit admits calls.
func (h *Handle) Available() bool { return h.breakers.Available(h.Name()) }

// Acquire takes a rate limiter token for this provider.
func (h *Handle) Acquire(ctx context.Context) error {
	return h.limiter.Acquire(ctx, h.Name())
}

// Lookup runs the adapter through the breaker with transient retries. Only
// failures that indicate an unhealthy service trip the breaker; misses,
// throttles and quota problems pass through without counting.
func (h *Handle) Lookup(ctx context.Context, contact *NormalizedContact) (*Result, error) {
	var (
		res     *Result
		passErr error
	)
	_, err := h.breakers.Get(h.Name()).Execute(func() (interface{}, error) {
		r, err := lookupWithRetry(ctx, h.adapter, contact, h.retries)
		if err != nil {
			if countsForBreaker(err) {
				return nil, err
			}
			passErr = err
			return nil, nil
		}
		res = r
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &LookupError{Provider: h.Name(), Kind: FailProviderUnavailable, Err: err}
		}
		return nil, err
	}
	if passErr != nil {
		return nil, passErr
	}
	return res, nil
}

// Registry owns the cascade: handles in ascending cost order, shared
// limiter and breaker state. It replaces any per-provider global state with
// one explicit object the engine carries around.
type Registry struct {
	limiter  *Limiter
	breakers *Breakers
	order    []*Handle
	byName   map[string]*Handle
}

// NewRegistry creates an empty registry around shared limiter and breaker
// state.
func NewRegistry(limiter *Limiter, breakers *Breakers) *Registry {
	return &Registry{
		limiter:  limiter,
		breakers: breakers,
		byName:   make(map[string]*Handle),
	}
}

// Add appends an adapter to the cascade walk order and registers its rate
// bucket. Registration order is the cost order the config promises.
func (r *Registry) Add(a Adapter, maxRetries int) error {
	name := a.Name()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("provider %q registered twice", name)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	r.limiter.Register(name, a.RateLimit())
	h := &Handle{
		adapter:  a,
		limiter:  r.limiter,
		breakers: r.breakers,
		retries:  maxRetries,
	}
	r.order = append(r.order, h)
	r.byName[name] = h
	return nil
}

// Cascade returns the handles in walk order. The slice is shared; callers
// must not mutate it.
func (r *Registry) Cascade() []*Handle { return r.order }

// Get returns the handle for one provider.
func (r *Registry) Get(name string) (*Handle, bool) {
	h, ok := r.byName[name]
	return h, ok
}

// MaxCost is the most expensive step of the cascade, the figure the quota
// precheck compares against.
func (r *Registry) MaxCost() decimal.Decimal {
	max := decimal.Zero
	for _, h := range r.order {
		if h.Cost().GreaterThan(max) {
			max = h.Cost()
		}
	}
	return max
}
