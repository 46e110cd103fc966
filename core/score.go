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

package core

import "github.com/captely/cascade/core/types"

// Lead score weights. The sum can exceed 100 on a perfect contact; the
// score clamps there so downstream consumers can treat it as a percentage.
const (
	weightEmail         = 25
	weightEmailVerified = 20
	weightPhone         = 20
	weightPhoneVerified = 10
	weightCompany       = 10
	weightPosition      = 5
	weightConfidence    = 10 // scaled by the enrichment confidence
)

// LeadScore rates a contact 0..100 from the signals the cascade gathered.
// The formula is deterministic so that re-scoring a contact is stable.
func LeadScore(c *types.Contact) int {
	score := 0.0
	if c.Email != "" {
		score += weightEmail
		if c.EmailVerified {
			score += weightEmailVerified
		}
	}
	if c.Phone != "" {
		score += weightPhone
		if c.PhoneVerified {
			score += weightPhoneVerified
		}
	}
	if c.Company != "" || c.CompanyDomain != "" {
		score += weightCompany
	}
	if c.Position != "" {
		score += weightPosition
	}
	score += weightConfidence * c.EnrichmentScore
	if score > 100 {
		score = 100
	}
	return int(score)
}

// EmailReliability buckets the verification outcome for display. A
// catch-all domain caps the bucket at fair: the accept proves nothing
// about the specific mailbox.
func EmailReliability(c *types.Contact) types.Reliability {
	if c.Email == "" {
		return types.ReliabilityNoEmail
	}
	if c.EmailVerificationLevel == 0 {
		return types.ReliabilityUnknown
	}
	var bucket types.Reliability
	switch score := c.EmailVerificationScore; {
	case score >= 0.9:
		bucket = types.ReliabilityExcellent
	case score >= 0.7:
		bucket = types.ReliabilityGood
	case score >= 0.5:
		bucket = types.ReliabilityFair
	default:
		bucket = types.ReliabilityPoor
	}
	if c.IsCatchall && (bucket == types.ReliabilityExcellent || bucket == types.ReliabilityGood) {
		bucket = types.ReliabilityFair
	}
	return bucket
}
