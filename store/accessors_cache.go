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

package store

import (
	"encoding/json"
	"fmt"

	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
)

// ReadCacheEntry retrieves the global cache entry for a fingerprint.
func ReadCacheEntry(db kvdb.KeyValueReader, fingerprint string) (*types.CacheEntry, error) {
	data, err := db.Get(cacheKey(fingerprint))
	if err != nil {
		return nil, err
	}
	entry := new(types.CacheEntry)
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %q: %w", fingerprint, err)
	}
	return entry, nil
}

// WriteCacheEntry upserts a global cache entry. Concurrent writers converge
// through the key's uniqueness: last writer wins.
func WriteCacheEntry(db kvdb.KeyValueWriter, entry *types.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", entry.Fingerprint, err)
	}
	return db.Put(cacheKey(entry.Fingerprint), data)
}

// ReadCacheAlias resolves an alias fingerprint (profile URL equivalence
// class) to the primary fingerprint it points at.
func ReadCacheAlias(db kvdb.KeyValueReader, alias string) (string, error) {
	data, err := db.Get(cacheAliasKey(alias))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteCacheAlias stores an alias fingerprint mapping.
func WriteCacheAlias(db kvdb.KeyValueWriter, alias, fingerprint string) error {
	return db.Put(cacheAliasKey(alias), []byte(fingerprint))
}

// ReadHistory retrieves the record that a user already enriched a
// fingerprint.
func ReadHistory(db kvdb.KeyValueReader, user, fingerprint string) (*types.HistoryEntry, error) {
	data, err := db.Get(historyKey(user, fingerprint))
	if err != nil {
		return nil, err
	}
	entry := new(types.HistoryEntry)
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("corrupt history entry for %q: %w", user, err)
	}
	return entry, nil
}

// WriteHistory stores a user's first-enrichment record for a fingerprint.
func WriteHistory(db kvdb.KeyValueWriter, entry *types.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry for %q: %w", entry.UserID, err)
	}
	return db.Put(historyKey(entry.UserID, entry.Fingerprint), data)
}
