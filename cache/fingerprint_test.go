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

package cache

import (
	"testing"

	"github.com/captely/cascade/core/types"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Alice", "alice"},
		{"  Alice  Martin ", "alice martin"},
		{"ALICE", "alice"},
		{"Jérôme", "jerome"},
		{"Müller", "muller"},
		{"O'Brien", "o'brien"},
		{"", ""},
	}
	for _, tt := range tests {
		got := NormalizeName(tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Equal(t, got, NormalizeName(got), "not idempotent for %q", tt.input)
	}
}

func TestNormalizeCompany(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"ACME", "acme"},
		{"ACME, Inc.", "acme"},
		{"Acme Inc", "acme"},
		{"ACME Corp.", "acme"},
		{"The ACME Company", "acme"},
		{"Dupont SARL", "dupont"},
		{"Müller GmbH", "muller"},
		{"Smith & Co Ltd", "smith &"},
		{"Johnson-Lee Partners", "johnson-lee partners"},
		{"Inc", "inc"}, // a lone suffix is kept, never normalize to nothing
		{"", ""},
	}
	for _, tt := range tests {
		got := NormalizeCompany(tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Equal(t, got, NormalizeCompany(got), "not idempotent for %q", tt.input)
	}
}

func TestCanonicalProfileURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"https://www.linkedin.com/in/alice-martin/", "https://linkedin.com/in/alice-martin", true},
		{"http://linkedin.com/in/alice-martin", "https://linkedin.com/in/alice-martin", true},
		{"linkedin.com/in/Alice-Martin", "https://linkedin.com/in/alice-martin", true},
		{"https://LinkedIn.com/in/alice-martin?trk=share", "https://linkedin.com/in/alice-martin", true},
		{"https://linkedin.com/in/alice-martin#about", "https://linkedin.com/in/alice-martin", true},
		{"", "", false},
		{"https://linkedin.com/", "", false},
		{"   ", "", false},
	}
	for _, tt := range tests {
		got, ok := CanonicalProfileURL(tt.input)
		assert.Equal(t, tt.ok, ok, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		if ok {
			again, okAgain := CanonicalProfileURL(got)
			assert.True(t, okAgain)
			assert.Equal(t, got, again, "not idempotent for %q", tt.input)
		}
	}
}

func TestKeyForEquivalence(t *testing.T) {
	a := KeyFor(&types.ContactSeed{FirstName: "Alice", LastName: "Martin", Company: "ACME, Inc."})
	b := KeyFor(&types.ContactSeed{FirstName: "alice ", LastName: " MARTIN", Company: "Acme"})
	assert.NotEmpty(t, a.Identity)
	assert.Equal(t, a.Identity, b.Identity)

	c := KeyFor(&types.ContactSeed{FirstName: "Alice", LastName: "Martin", Company: "Globex"})
	assert.NotEqual(t, a.Identity, c.Identity)
}

func TestKeyForProfileOnly(t *testing.T) {
	k := KeyFor(&types.ContactSeed{ProfileURL: "https://www.linkedin.com/in/alice-martin/"})
	assert.Empty(t, k.Identity)
	assert.NotEmpty(t, k.Profile)
	assert.Equal(t, k.Profile, k.Primary())
	assert.False(t, k.Empty())

	full := KeyFor(&types.ContactSeed{
		FirstName:  "Alice",
		LastName:   "Martin",
		Company:    "ACME",
		ProfileURL: "linkedin.com/in/alice-martin",
	})
	assert.Equal(t, k.Profile, full.Profile)
	assert.Equal(t, full.Identity, full.Primary())

	assert.True(t, KeyFor(&types.ContactSeed{}).Empty())
}
