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

// Package cache implements the two-layer enrichment cache: a per-user
// history table recording which fingerprints a user has already paid for,
// and a global fingerprint table shared across users. Lookups consult the
// history first, then the global table; only the caller decides what a hit
// costs.
package cache

import (
	"fmt"
	"time"

	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/captely/cascade/store"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config holds cache settings.
type Config struct {
	// FrontCacheSize bounds the in-memory entry cache. Zero selects the
	// default of 4096 entries.
	FrontCacheSize int

	// Staleness is the horizon after which a global entry is no longer
	// served. Zero disables expiry.
	Staleness time.Duration

	Clock  func() time.Time // used in tests, defaults to time.Now
	Logger *zap.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.FrontCacheSize <= 0 {
		cfg.FrontCacheSize = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Hit is a successful cache lookup. Source distinguishes a user duplicate
// from a global hit and feeds straight into the ledger operation details.
type Hit struct {
	Entry  *types.CacheEntry
	Source string
}

// Cache serves and maintains both cache layers on top of the key-value
// store. It is safe for concurrent use.
type Cache struct {
	db      kvdb.Database
	cfg     Config
	log     *zap.Logger
	entries *lru.Cache[string, *types.CacheEntry]
	sf      singleflight.Group
}

// New creates a cache backed by db.
func New(db kvdb.Database, cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	entries, err := lru.New[string, *types.CacheEntry](cfg.FrontCacheSize)
	if err != nil {
		return nil, err
	}
	return &Cache{
		db:      db,
		cfg:     cfg,
		log:     cfg.Logger,
		entries: entries,
	}, nil
}

// Lookup resolves key against the history of user and then the global
// table. It returns nil without error on a miss. Global hits honor the
// staleness horizon; user duplicates are always served because the user
// already owns that data. Confidence gating is the caller's concern.
func (c *Cache) Lookup(user string, key Key) (*Hit, error) {
	if key.Empty() {
		return nil, nil
	}
	fps, err := c.candidates(key)
	if err != nil {
		return nil, err
	}
	for _, fp := range fps {
		if _, err := store.ReadHistory(c.db, user, fp); err == kvdb.ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		entry, err := c.entry(fp)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			c.log.Debug("cache hit", zap.String("layer", "user"), zap.String("fingerprint", fp), zap.String("user", user))
			return &Hit{Entry: entry, Source: types.SourceCacheUserDuplicate}, nil
		}
	}
	for _, fp := range fps {
		entry, err := c.entry(fp)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		if c.cfg.Staleness > 0 && entry.Stale(c.cfg.Staleness, c.cfg.Clock()) {
			c.log.Debug("cache entry stale", zap.String("fingerprint", fp), zap.Time("refreshed", entry.LastRefreshed))
			continue
		}
		c.log.Debug("cache hit", zap.String("layer", "global"), zap.String("fingerprint", fp))
		return &Hit{Entry: entry, Source: types.SourceCacheGlobal}, nil
	}
	return nil, nil
}

// RecordHit bumps the served counter of a hit and persists it. Concurrent
// bumps may lose increments; the counter is advisory.
func (c *Cache) RecordHit(entry *types.CacheEntry) error {
	entry.HitCount++
	c.entries.Add(entry.Fingerprint, entry)
	return store.WriteCacheEntry(c.db, entry)
}

// RecordUser marks fingerprint as paid for by user so that later lookups
// resolve as a zero-cost duplicate.
func (c *Cache) RecordUser(user, fingerprint string, contactID uuid.UUID, at time.Time) error {
	return store.WriteHistory(c.db, &types.HistoryEntry{
		UserID:          user,
		Fingerprint:     fingerprint,
		ContactID:       contactID,
		FirstEnrichedAt: at,
	})
}

// Insert records a fresh enrichment under the key's primary fingerprint,
// writes the profile alias when present and marks the enriching user in the
// history table. When the global table already holds a higher-confidence
// entry for the fingerprint, its discovered fields are kept and only the
// refresh time moves forward.
func (c *Cache) Insert(user string, key Key, contactID uuid.UUID, entry *types.CacheEntry) error {
	primary := key.Primary()
	if primary == "" {
		return nil
	}
	entry.Fingerprint = primary

	old, err := c.entry(primary)
	if err != nil {
		return err
	}
	if old != nil {
		entry.HitCount = old.HitCount
		if old.Confidence > entry.Confidence {
			entry.Email = old.Email
			entry.Phone = old.Phone
			entry.Confidence = old.Confidence
			entry.SourceProvider = old.SourceProvider
		}
	}
	if err := store.WriteCacheEntry(c.db, entry); err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	c.entries.Add(primary, entry)

	if key.Profile != "" && key.Profile != primary {
		if err := store.WriteCacheAlias(c.db, key.Profile, primary); err != nil {
			return fmt.Errorf("cache alias: %w", err)
		}
	}
	return c.RecordUser(user, primary, contactID, entry.LastRefreshed)
}

// candidates expands a key into the fingerprints worth probing, identity
// first. A profile fingerprint resolves through the alias table and falls
// back to itself for entries that were keyed on the URL alone.
func (c *Cache) candidates(key Key) ([]string, error) {
	var fps []string
	if key.Identity != "" {
		fps = append(fps, key.Identity)
	}
	if key.Profile != "" {
		primary, err := store.ReadCacheAlias(c.db, key.Profile)
		if err == kvdb.ErrNotFound {
			primary = key.Profile
		} else if err != nil {
			return nil, err
		}
		if primary != key.Identity {
			fps = append(fps, primary)
		}
	}
	return fps, nil
}

// entry reads one global entry through the front cache, collapsing
// concurrent reads of the same fingerprint. A missing entry is returned as
// nil without error.
func (c *Cache) entry(fp string) (*types.CacheEntry, error) {
	if e, ok := c.entries.Get(fp); ok {
		return e, nil
	}
	v, err, _ := c.sf.Do(fp, func() (interface{}, error) {
		e, err := store.ReadCacheEntry(c.db, fp)
		if err == kvdb.ErrNotFound {
			return (*types.CacheEntry)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		c.entries.Add(fp, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.CacheEntry), nil
}
