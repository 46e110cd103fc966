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

// Package provider contains the adapters to the external enrichment
// services and the machinery shared between them: the failure taxonomy, the
// per-provider token buckets, circuit breakers and the retry policy. Each
// adapter maps the canonical lookup to one service's wire format and back.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FailureKind classifies a failed lookup. The coordinator decides retry,
// skip or abort from the kind alone.
type FailureKind string

const (
	FailRateLimited         FailureKind = "rate_limited"
	FailUnauthorized        FailureKind = "unauthorized"
	FailNotFound            FailureKind = "not_found"
	FailTransientNetwork    FailureKind = "transient_network"
	FailInvalidResponse     FailureKind = "invalid_response"
	FailProviderQuota       FailureKind = "quota_exhausted_at_provider"
	FailProviderUnavailable FailureKind = "provider_unavailable"
)

// LookupError is the typed failure surfaced by adapters. Status carries the
// HTTP status when one was received.
type LookupError struct {
	Provider string
	Kind     FailureKind
	Status   int
	Err      error
}

func (e *LookupError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *LookupError) Unwrap() error { return e.Err }

// Failure extracts the failure kind from an error chain.
func Failure(err error) (FailureKind, bool) {
	var le *LookupError
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return "", false
}

// IsNotFound reports whether err is a clean provider miss.
func IsNotFound(err error) bool {
	kind, ok := Failure(err)
	return ok && kind == FailNotFound
}

// Result is a successful lookup normalized to the canonical shape. Raw
// retains the provider response for the audit trail.
type Result struct {
	Provider   string
	Email      string
	Phone      string
	Confidence float64
	Raw        json.RawMessage
}

// HasData reports whether the lookup discovered anything at all.
func (r *Result) HasData() bool {
	return r.Email != "" || r.Phone != ""
}

// CapSet declares which data types a provider can discover.
type CapSet struct {
	Email bool
	Phone bool
}

// RateSpec is a provider's token bucket shape: steady refill per minute
// plus burst capacity.
type RateSpec struct {
	MaxPerMinute int
	Burst        int
}

// NormalizedContact is the adapter input. Fields are already folded for
// matching; the stored contact keeps its original spelling.
type NormalizedContact struct {
	FirstName     string
	LastName      string
	Company       string
	CompanyDomain string
	Position      string
	Location      string
	ProfileURL    string // canonical form
}

// Adapter is the uniform capability every external service implements.
type Adapter interface {
	Name() string
	Cost() decimal.Decimal
	Capabilities() CapSet
	RateLimit() RateSpec
	Lookup(ctx context.Context, contact *NormalizedContact) (*Result, error)
}

// Settings configures one adapter instance.
type Settings struct {
	APIKey       string
	BaseURL      string // empty selects the provider's public endpoint
	Cost         decimal.Decimal
	MaxPerMinute int
	Burst        int
	CallTimeout  time.Duration
	MaxRetries   int
}

func (s Settings) withDefaults(baseURL string) Settings {
	if s.BaseURL == "" {
		s.BaseURL = baseURL
	}
	if s.MaxPerMinute <= 0 {
		s.MaxPerMinute = 60
	}
	if s.Burst <= 0 {
		s.Burst = 10
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 10 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	return s
}

func (s Settings) rateSpec() RateSpec {
	return RateSpec{MaxPerMinute: s.MaxPerMinute, Burst: s.Burst}
}

// sanitizeEmail rejects addresses without a usable local part. Providers
// occasionally return a bare domain pattern, which must not be persisted as
// an email.
func sanitizeEmail(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "mailto:"))
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return ""
	}
	return s
}
