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
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// LineType classifies a phone number by its numbering plan range.
type LineType string

const (
	LineMobile   LineType = "mobile"
	LineLandline LineType = "landline"
	LineVoIP     LineType = "voip"
	LineUnknown  LineType = "unknown"
)

// PhoneReport is the outcome of parsing and classifying one number.
type PhoneReport struct {
	Raw      string
	E164     string
	Region   string
	Type     LineType
	Verified bool
}

// VerifyPhone parses raw against the numbering plan of regionHint (ISO
// 3166-1 alpha-2, may be empty for numbers already in +E.164 form) and
// classifies the line. Unparseable or invalid numbers come back
// unverified with the raw string preserved.
func VerifyPhone(raw, regionHint string) *PhoneReport {
	rep := &PhoneReport{Raw: raw, Type: LineUnknown}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return rep
	}
	num, err := phonenumbers.Parse(trimmed, strings.ToUpper(regionHint))
	if err != nil {
		return rep
	}
	if !phonenumbers.IsValidNumber(num) {
		return rep
	}
	rep.Verified = true
	rep.E164 = phonenumbers.Format(num, phonenumbers.E164)
	rep.Region = phonenumbers.GetRegionCodeForNumber(num)
	switch phonenumbers.GetNumberType(num) {
	case phonenumbers.MOBILE, phonenumbers.FIXED_LINE_OR_MOBILE:
		rep.Type = LineMobile
	case phonenumbers.FIXED_LINE:
		rep.Type = LineLandline
	case phonenumbers.VOIP:
		rep.Type = LineVoIP
	}
	return rep
}

// countryNames maps location substrings to region codes for the hint
// heuristic. Only countries the enrichment corpus actually sees; anything
// else falls back to the +E.164 prefix of the number itself.
var countryNames = map[string]string{
	"france": "FR", "germany": "DE", "deutschland": "DE", "spain": "ES",
	"españa": "ES", "italy": "IT", "italia": "IT", "united kingdom": "GB",
	"england": "GB", "netherlands": "NL", "belgium": "BE", "switzerland": "CH",
	"austria": "AT", "portugal": "PT", "poland": "PL", "sweden": "SE",
	"norway": "NO", "denmark": "DK", "finland": "FI", "ireland": "IE",
	"united states": "US", "canada": "CA", "australia": "AU", "india": "IN",
	"brazil": "BR", "japan": "JP", "singapore": "SG",
}

var countryTLDs = map[string]string{
	"fr": "FR", "de": "DE", "es": "ES", "it": "IT", "uk": "GB",
	"nl": "NL", "be": "BE", "ch": "CH", "at": "AT", "pt": "PT",
	"pl": "PL", "se": "SE", "no": "NO", "dk": "DK", "fi": "FI",
	"ie": "IE", "us": "US", "ca": "CA", "au": "AU", "in": "IN",
	"br": "BR", "jp": "JP", "sg": "SG",
}

// RegionHint guesses a parsing region from the contact's company domain
// and location. The location wins over the TLD since domains often sit on
// .com regardless of where the company operates. Empty when neither side
// gives a usable signal.
func RegionHint(domain, location string) string {
	if loc := strings.ToLower(location); loc != "" {
		for name, region := range countryNames {
			if strings.Contains(loc, name) {
				return region
			}
		}
	}
	if domain != "" {
		parts := strings.Split(strings.ToLower(strings.TrimSuffix(domain, ".")), ".")
		if len(parts) > 1 {
			if region, ok := countryTLDs[parts[len(parts)-1]]; ok {
				return region
			}
		}
	}
	return ""
}
