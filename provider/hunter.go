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

package provider

import (
	"context"
	"net/url"

	"github.com/shopspring/decimal"
)

const hunterBaseURL = "https://api.hunter.io/v2"

// Hunter wraps the email-finder endpoint. Authentication travels as a
// query parameter; the numeric score is already a percentage.
type Hunter struct {
	settings Settings
	client   *httpClient
}

// NewHunter creates the adapter.
func NewHunter(settings Settings) *Hunter {
	settings = settings.withDefaults(hunterBaseURL)
	return &Hunter{
		settings: settings,
		client:   newHTTPClient("hunter", settings.BaseURL, settings.CallTimeout),
	}
}

func (p *Hunter) Name() string          { return "hunter" }
func (p *Hunter) Cost() decimal.Decimal { return p.settings.Cost }
func (p *Hunter) Capabilities() CapSet  { return CapSet{Email: true, Phone: true} }
func (p *Hunter) RateLimit() RateSpec   { return p.settings.rateSpec() }

type hunterResponse struct {
	Data struct {
		Email       string `json:"email"`
		Score       int    `json:"score"`
		PhoneNumber string `json:"phone_number"`
	} `json:"data"`
}

func (p *Hunter) Lookup(ctx context.Context, contact *NormalizedContact) (*Result, error) {
	params := url.Values{}
	params.Set("first_name", contact.FirstName)
	params.Set("last_name", contact.LastName)
	if contact.CompanyDomain != "" {
		params.Set("domain", contact.CompanyDomain)
	} else {
		params.Set("company", contact.Company)
	}
	params.Set("api_key", p.settings.APIKey)

	var resp hunterResponse
	raw, err := p.client.getJSON(ctx, "/email-finder?"+params.Encode(), nil, &resp)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Provider:   p.Name(),
		Email:      sanitizeEmail(resp.Data.Email),
		Phone:      resp.Data.PhoneNumber,
		Confidence: float64(resp.Data.Score) / 100,
		Raw:        raw,
	}
	if !res.HasData() {
		return nil, &LookupError{Provider: p.Name(), Kind: FailNotFound}
	}
	if res.Email == "" && res.Phone != "" && res.Confidence == 0 {
		res.Confidence = 0.7
	}
	return res, nil
}
