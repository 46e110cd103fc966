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
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per provider. Buckets refill at
// max_per_minute/60 tokens per second and hold burst tokens at most. When
// the process is one of several sharing a provider account, partitions
// shrinks every bucket to its share.
type Limiter struct {
	partitions int

	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

// NewLimiter creates a limiter; partitions below 1 is treated as a single
// process owning the whole rate.
func NewLimiter(partitions int) *Limiter {
	if partitions < 1 {
		partitions = 1
	}
	return &Limiter{
		partitions: partitions,
		buckets:    make(map[string]*rate.Limiter),
	}
}

// Register installs the bucket for a provider, replacing any previous one.
func (l *Limiter) Register(name string, spec RateSpec) {
	perSecond := float64(spec.MaxPerMinute) / 60 / float64(l.partitions)
	burst := spec.Burst / l.partitions
	if burst < 1 {
		burst = 1
	}
	l.mu.Lock()
	l.buckets[name] = rate.NewLimiter(rate.Limit(perSecond), burst)
	l.mu.Unlock()
}

// Acquire takes one token for the named provider, waiting no longer than
// the context allows. A wait that cannot finish in time fails as
// rate_limited; context cancellation passes through unchanged. Unregistered
// providers are not limited.
func (l *Limiter) Acquire(ctx context.Context, name string) error {
	l.mu.RLock()
	bucket := l.buckets[name]
	l.mu.RUnlock()
	if bucket == nil {
		return nil
	}
	if err := bucket.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &LookupError{Provider: name, Kind: FailRateLimited, Err: err}
	}
	return nil
}

// Allow reports whether a token is immediately available without taking
// one being guaranteed to the caller later.
func (l *Limiter) Allow(name string) bool {
	l.mu.RLock()
	bucket := l.buckets[name]
	l.mu.RUnlock()
	if bucket == nil {
		return true
	}
	return bucket.Tokens() >= 1
}
