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
	"context"
	"encoding/json"
	"time"

	"github.com/captely/cascade/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const snapshotKeyPrefix = "cascade:quota:"

// Snapshot caches QuotaState in Redis with a short TTL so that UI-facing
// reads do not hit the store. It is strictly advisory: every failure
// degrades to a recompute and correctness never depends on it.
type Snapshot struct {
	client  redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
	log     *zap.Logger
}

// NewSnapshot wraps a Redis client. A non-positive ttl selects 30 seconds.
func NewSnapshot(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Snapshot {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshot{
		client:  client,
		ttl:     ttl,
		timeout: 500 * time.Millisecond,
		log:     logger,
	}
}

// Get returns the cached state for user, or false when absent or expired.
func (s *Snapshot) Get(user string) (*types.QuotaState, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	raw, err := s.client.Get(ctx, snapshotKeyPrefix+user).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.log.Debug("quota snapshot read failed", zap.String("user", user), zap.Error(err))
		return nil, false
	}
	var qs types.QuotaState
	if err := json.Unmarshal(raw, &qs); err != nil {
		s.log.Debug("quota snapshot corrupt", zap.String("user", user), zap.Error(err))
		return nil, false
	}
	return &qs, true
}

// Put stores the state under the configured TTL.
func (s *Snapshot) Put(qs *types.QuotaState) {
	data, err := json.Marshal(qs)
	if err != nil {
		s.log.Debug("quota snapshot encode failed", zap.String("user", qs.UserID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, snapshotKeyPrefix+qs.UserID, data, s.ttl).Err(); err != nil {
		s.log.Debug("quota snapshot write failed", zap.String("user", qs.UserID), zap.Error(err))
	}
}

// Invalidate drops the cached state for user.
func (s *Snapshot) Invalidate(user string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, snapshotKeyPrefix+user).Err(); err != nil {
		s.log.Debug("quota snapshot delete failed", zap.String("user", user), zap.Error(err))
	}
}
