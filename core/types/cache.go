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
	"time"

	"github.com/google/uuid"
)

// CacheEntry is a globally shared enrichment result keyed by contact
// fingerprint. Entries carry no TTL; LastRefreshed feeds the optional
// staleness horizon.
type CacheEntry struct {
	Fingerprint    string    `json:"fingerprint"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Confidence     float64   `json:"confidence"`
	SourceProvider string    `json:"source_provider"`
	LastRefreshed  time.Time `json:"last_refreshed"`
	HitCount       uint64    `json:"hit_count"`
}

// Stale reports whether the entry is older than the given horizon. A zero
// horizon disables staleness entirely.
func (e *CacheEntry) Stale(horizon time.Duration, now time.Time) bool {
	if horizon <= 0 {
		return false
	}
	return now.Sub(e.LastRefreshed) > horizon
}

// HistoryEntry records that one user already paid for one fingerprint.
// Subsequent enrichments of the same fingerprint by the same user are free.
type HistoryEntry struct {
	UserID          string    `json:"user_id"`
	Fingerprint     string    `json:"fingerprint"`
	ContactID       uuid.UUID `json:"contact_id"`
	FirstEnrichedAt time.Time `json:"first_enriched_at"`
}
