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
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings shape the per-provider circuit breakers.
type BreakerSettings struct {
	// Threshold is the number of consecutive failures that opens the
	// circuit.
	Threshold uint32
	// Window resets the failure counts while the circuit is closed.
	Window time.Duration
	// Cooldown is how long an open circuit stays open before a half-open
	// probe is allowed.
	Cooldown time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Threshold == 0 {
		s.Threshold = 5
	}
	if s.Window <= 0 {
		s.Window = 30 * time.Second
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 60 * time.Second
	}
	return s
}

// Breakers holds one circuit breaker per provider, created lazily with
// shared settings.
type Breakers struct {
	settings BreakerSettings
	log      *zap.Logger

	mu  sync.Mutex
	cbs map[string]*gobreaker.CircuitBreaker
}

// NewBreakers creates the breaker set.
func NewBreakers(settings BreakerSettings, logger *zap.Logger) *Breakers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakers{
		settings: settings.withDefaults(),
		log:      logger,
		cbs:      make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for a provider, creating it on first use.
func (b *Breakers) Get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.cbs[name]; ok {
		return cb
	}
	threshold := b.settings.Threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: b.settings.Window,
		Timeout:  b.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("provider circuit state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	b.cbs[name] = cb
	return cb
}

// Available reports whether calls to the provider may proceed. Half-open
// circuits count as available so the probe call can happen.
func (b *Breakers) Available(name string) bool {
	return b.Get(name).State() != gobreaker.StateOpen
}

// countsForBreaker picks the failures that indicate an unhealthy service.
// A miss, a throttle or a key problem all mean the provider is up.
func countsForBreaker(err error) bool {
	kind, ok := Failure(err)
	if !ok {
		return false
	}
	switch kind {
	case FailProviderUnavailable, FailTransientNetwork, FailInvalidResponse:
		return true
	default:
		return false
	}
}
