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
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Pseudo provider names recorded on ledger rows and cache-sourced results.
// Real provider names come from the adapter registry.
const (
	SourceCacheUserDuplicate = "cache_user_duplicate"
	SourceCacheGlobal        = "cache_global"
)

// ProviderResult is one provider's answer for one contact. Results are
// append-only: a cascade that consults several providers leaves one row per
// consultation, in walk order.
type ProviderResult struct {
	ContactID uuid.UUID `json:"contact_id"`
	Seq       uint16    `json:"seq"` // position in the cascade walk
	Provider  string    `json:"provider"`

	Email      string  `json:"email,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	Confidence float64 `json:"confidence"`

	EmailVerified bool `json:"email_verified"`
	PhoneVerified bool `json:"phone_verified"`

	// NotFound marks an explicit miss; Failure carries the taxonomy kind of
	// a failed call. Both leave Email/Phone empty.
	NotFound bool   `json:"not_found,omitempty"`
	Failure  string `json:"failure,omitempty"`

	// RawPayload is the provider's response body, retained opaquely for
	// audit. Size-capped by the adapter before it gets here.
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasEmail reports whether the result carries a usable email.
func (r *ProviderResult) HasEmail() bool { return r.Email != "" }

// HasPhone reports whether the result carries a usable phone.
func (r *ProviderResult) HasPhone() bool { return r.Phone != "" }
