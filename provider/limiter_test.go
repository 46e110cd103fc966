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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenThrottle(t *testing.T) {
	l := NewLimiter(1)
	l.Register("icypeas", RateSpec{MaxPerMinute: 60, Burst: 2})

	// The burst is immediately available.
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		require.NoError(t, l.Acquire(ctx, "icypeas"), "burst token %d", i)
		cancel()
	}

	// The bucket refills at one token per second, far slower than the
	// deadline allows.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "icypeas")
	require.Error(t, err)
	kind, ok := Failure(err)
	require.True(t, ok)
	assert.Equal(t, FailRateLimited, kind)
}

func TestLimiterUnregisteredUnlimited(t *testing.T) {
	l := NewLimiter(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(ctx, "unknown"))
	}
}

func TestLimiterCancellationPassthrough(t *testing.T) {
	l := NewLimiter(1)
	l.Register("apollo", RateSpec{MaxPerMinute: 60, Burst: 1})
	require.NoError(t, l.Acquire(context.Background(), "apollo"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "apollo")
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := Failure(err)
	assert.False(t, ok, "cancellation must not be reported as rate_limited")
}

func TestLimiterPartitioning(t *testing.T) {
	l := NewLimiter(2)
	l.Register("hunter", RateSpec{MaxPerMinute: 120, Burst: 4})

	// Half the burst belongs to this process.
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		require.NoError(t, l.Acquire(ctx, "hunter"))
		cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "hunter")
	kind, ok := Failure(err)
	require.True(t, ok)
	assert.Equal(t, FailRateLimited, kind)
}

func TestLimiterWindowBound(t *testing.T) {
	// Over any window the successful acquisitions cannot exceed the refill
	// plus the burst. Count what a tight loop manages in 300ms with one
	// token per 100ms and burst 2: at most 2 + 4 and at least the burst.
	l := NewLimiter(1)
	l.Register("drip", RateSpec{MaxPerMinute: 600, Burst: 2})

	deadline := time.After(300 * time.Millisecond)
	granted := 0
loop:
	for {
		select {
		case <-deadline:
			break loop
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		if err := l.Acquire(ctx, "drip"); err == nil {
			granted++
		}
		cancel()
	}
	assert.GreaterOrEqual(t, granted, 2)
	assert.LessOrEqual(t, granted, 6)
}
