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
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"unicode"

	"github.com/captely/cascade/core/types"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are corporate form tokens stripped from the tail of a
// company name before fingerprinting. "ACME Inc." and "acme" must map
// to the same fingerprint.
var legalSuffixes = mapset.NewSet(
	"inc", "incorporated", "llc", "ltd", "limited", "gmbh", "sarl",
	"sas", "sa", "co", "corp", "corporation", "company", "srl", "bv",
	"ag", "plc", "pty", "oy", "ab", "kg",
)

// stripMarks decomposes to NFKD, removes combining marks and recomposes,
// turning "Métro" into "Metro".
var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Key carries the fingerprints derived from one contact seed. Identity is
// computed from the name and company fields, Profile from the canonical
// LinkedIn URL. Either may be empty when the corresponding seed fields are
// missing, but a seed that passes Identifiable has at least one.
type Key struct {
	Identity string
	Profile  string
}

// KeyFor derives the cache key for a contact seed.
func KeyFor(seed *types.ContactSeed) Key {
	var k Key
	if seed.FirstName != "" || seed.LastName != "" || seed.Company != "" {
		k.Identity = identityFingerprint(seed.FirstName, seed.LastName, seed.Company)
	}
	if canonical, ok := CanonicalProfileURL(seed.ProfileURL); ok {
		k.Profile = profileFingerprint(canonical)
	}
	return k
}

// Primary returns the fingerprint new entries are stored under: the
// identity fingerprint when present, otherwise the profile fingerprint.
func (k Key) Primary() string {
	if k.Identity != "" {
		return k.Identity
	}
	return k.Profile
}

// Empty reports whether the seed yielded no usable fingerprint at all.
func (k Key) Empty() bool {
	return k.Identity == "" && k.Profile == ""
}

func identityFingerprint(first, last, company string) string {
	h := sha256.New()
	h.Write([]byte("id|"))
	h.Write([]byte(NormalizeName(first)))
	h.Write([]byte{'|'})
	h.Write([]byte(NormalizeName(last)))
	h.Write([]byte{'|'})
	h.Write([]byte(NormalizeCompany(company)))
	return hex.EncodeToString(h.Sum(nil))
}

func profileFingerprint(canonical string) string {
	h := sha256.New()
	h.Write([]byte("url|"))
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeName folds a person name for matching: combining marks are
// stripped, case is folded and runs of whitespace collapse to one space.
// The stored contact keeps the original spelling.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(fold(s)), " ")
}

// NormalizeCompany folds a company name like NormalizeName and additionally
// drops punctuation, a leading "the" and any trailing legal-form suffixes.
func NormalizeCompany(s string) string {
	folded := fold(s)
	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '&' || r == '-' || r == '\'':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	words := strings.Fields(b.String())
	if len(words) > 1 && words[0] == "the" {
		words = words[1:]
	}
	for len(words) > 1 && legalSuffixes.Contains(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// CanonicalProfileURL rewrites a LinkedIn profile URL to a canonical form:
// https scheme, bare lowercase host without www, path lowercased with the
// trailing slash and any query or fragment removed. It returns false for
// empty input or URLs without a recognizable host and path.
func CanonicalProfileURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	path := strings.TrimRight(strings.ToLower(u.EscapedPath()), "/")
	if host == "" || path == "" {
		return "", false
	}
	return "https://" + host + path, true
}

func fold(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
