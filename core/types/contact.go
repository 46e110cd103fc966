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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContactStatus is the enrichment outcome of a single contact.
type ContactStatus string

const (
	StatusPending  ContactStatus = "pending"
	StatusEnriched ContactStatus = "enriched"
	StatusNotFound ContactStatus = "not_found"
	StatusFailed   ContactStatus = "failed"
)

// Terminal reports whether the contact reached a final status. A contact
// transitions out of pending at most once; workers skip contacts that are
// already terminal.
func (s ContactStatus) Terminal() bool {
	return s == StatusEnriched || s == StatusNotFound || s == StatusFailed
}

// FailureReason explains a failed contact to the caller.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureQuotaExceeded FailureReason = "quota_exceeded"
	FailureCancelled     FailureReason = "cancelled"
	FailureInternal      FailureReason = "internal_error"
	FailureProviders     FailureReason = "providers_failed"
)

// PhoneType classifies a phone number by its numbering-plan allocation.
type PhoneType string

const (
	PhoneMobile   PhoneType = "mobile"
	PhoneLandline PhoneType = "landline"
	PhoneVoIP     PhoneType = "voip"
	PhoneUnknown  PhoneType = "unknown"
)

// Reliability buckets an email verification score for display.
type Reliability string

const (
	ReliabilityExcellent Reliability = "excellent"
	ReliabilityGood      Reliability = "good"
	ReliabilityFair      Reliability = "fair"
	ReliabilityPoor      Reliability = "poor"
	ReliabilityUnknown   Reliability = "unknown"
	ReliabilityNoEmail   Reliability = "no_email"
)

// ContactSeed is the caller-supplied identity of a contact, as accepted by
// SubmitJob. A seed must carry either the (first, last, company) triple or a
// LinkedIn profile URL.
type ContactSeed struct {
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	Position      string `json:"position,omitempty"`
	Company       string `json:"company,omitempty"`
	CompanyDomain string `json:"company_domain,omitempty"`
	ProfileURL    string `json:"profile_url,omitempty"`
	Location      string `json:"location,omitempty"`
	Industry      string `json:"industry,omitempty"`
}

// Identifiable reports whether the seed carries enough identity to be
// enriched at all.
func (s *ContactSeed) Identifiable() bool {
	if strings.TrimSpace(s.ProfileURL) != "" {
		return true
	}
	return strings.TrimSpace(s.FirstName) != "" &&
		strings.TrimSpace(s.LastName) != "" &&
		strings.TrimSpace(s.Company) != ""
}

// Contact is one enrichment target within a job, together with everything
// the cascade discovered about it.
type Contact struct {
	ID    uuid.UUID `json:"id"`
	JobID uuid.UUID `json:"job_id"`

	// Identity as submitted.
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	Position      string `json:"position,omitempty"`
	Company       string `json:"company,omitempty"`
	CompanyDomain string `json:"company_domain,omitempty"`
	ProfileURL    string `json:"profile_url,omitempty"`
	Location      string `json:"location,omitempty"`
	Industry      string `json:"industry,omitempty"`

	// Discovered fields.
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`

	EnrichmentStatus   ContactStatus `json:"enrichment_status"`
	FailureReason      FailureReason `json:"failure_reason,omitempty"`
	EnrichmentProvider string        `json:"enrichment_provider,omitempty"`
	EnrichmentScore    float64       `json:"enrichment_score,omitempty"`

	// Email verification annotations, levels 1..4 of the pipeline.
	EmailVerified          bool    `json:"email_verified"`
	EmailVerificationScore float64 `json:"email_verification_score,omitempty"`
	EmailVerificationLevel int     `json:"email_verification_level"`
	IsDisposable           bool    `json:"is_disposable,omitempty"`
	IsRoleBased            bool    `json:"is_role_based,omitempty"`
	IsCatchall             bool    `json:"is_catchall,omitempty"`

	PhoneType     PhoneType `json:"phone_type,omitempty"`
	PhoneCountry  string    `json:"phone_country,omitempty"`
	PhoneVerified bool      `json:"phone_verified"`

	LeadScore        int             `json:"lead_score"`
	EmailReliability Reliability     `json:"email_reliability,omitempty"`
	CreditsConsumed  decimal.Decimal `json:"credits_consumed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewContact creates a pending contact for the given job from a seed.
func NewContact(jobID uuid.UUID, seed ContactSeed, now time.Time) *Contact {
	return &Contact{
		ID:               uuid.New(),
		JobID:            jobID,
		FirstName:        strings.TrimSpace(seed.FirstName),
		LastName:         strings.TrimSpace(seed.LastName),
		Position:         strings.TrimSpace(seed.Position),
		Company:          strings.TrimSpace(seed.Company),
		CompanyDomain:    strings.TrimSpace(seed.CompanyDomain),
		ProfileURL:       strings.TrimSpace(seed.ProfileURL),
		Location:         strings.TrimSpace(seed.Location),
		Industry:         strings.TrimSpace(seed.Industry),
		EnrichmentStatus: StatusPending,
		EmailReliability: ReliabilityUnknown,
		CreditsConsumed:  decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Seed reconstructs the submitted identity of the contact.
func (c *Contact) Seed() ContactSeed {
	return ContactSeed{
		FirstName:     c.FirstName,
		LastName:      c.LastName,
		Position:      c.Position,
		Company:       c.Company,
		CompanyDomain: c.CompanyDomain,
		ProfileURL:    c.ProfileURL,
		Location:      c.Location,
		Industry:      c.Industry,
	}
}
