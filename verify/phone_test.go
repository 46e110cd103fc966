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

package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPhoneInternationalMobile(t *testing.T) {
	rep := VerifyPhone("+33 6 12 34 56 78", "")
	assert.True(t, rep.Verified)
	assert.Equal(t, "+33612345678", rep.E164)
	assert.Equal(t, "FR", rep.Region)
	assert.Equal(t, LineMobile, rep.Type)
	assert.Equal(t, "+33 6 12 34 56 78", rep.Raw)
}

func TestVerifyPhoneNationalNeedsHint(t *testing.T) {
	rep := VerifyPhone("06 12 34 56 78", "fr")
	assert.True(t, rep.Verified)
	assert.Equal(t, "+33612345678", rep.E164)
	assert.Equal(t, LineMobile, rep.Type)

	// The same national digits are unparseable without a region.
	rep = VerifyPhone("06 12 34 56 78", "")
	assert.False(t, rep.Verified)
	assert.Empty(t, rep.E164)
	assert.Equal(t, LineUnknown, rep.Type)
}

func TestVerifyPhoneLandline(t *testing.T) {
	rep := VerifyPhone("+33 1 23 45 67 89", "")
	assert.True(t, rep.Verified)
	assert.Equal(t, "+33123456789", rep.E164)
	assert.Equal(t, LineLandline, rep.Type)
}

func TestVerifyPhoneAmbiguousPlanIsMobile(t *testing.T) {
	// NANP metadata cannot split fixed from mobile; treat as mobile so
	// the lead score gives the number the benefit of the doubt.
	rep := VerifyPhone("+1 650-253-0000", "")
	assert.True(t, rep.Verified)
	assert.Equal(t, "US", rep.Region)
	assert.Equal(t, LineMobile, rep.Type)
}

func TestVerifyPhoneInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "+33 6 12", "not a number", "12345"} {
		rep := VerifyPhone(raw, "")
		assert.False(t, rep.Verified, "raw %q", raw)
		assert.Empty(t, rep.E164, "raw %q", raw)
		assert.Equal(t, LineUnknown, rep.Type, "raw %q", raw)
		assert.Equal(t, raw, rep.Raw, "raw %q", raw)
	}
}

func TestRegionHint(t *testing.T) {
	tests := []struct {
		domain   string
		location string
		want     string
	}{
		{"acme.fr", "", "FR"},
		{"acme.co.uk", "", "GB"},
		{"acme.com", "Paris, France", "FR"},
		{"acme.fr", "Munich, Germany", "DE"}, // location wins over TLD
		{"acme.com", "remote", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RegionHint(tt.domain, tt.location), "domain %q location %q", tt.domain, tt.location)
	}
}
