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
	"net/http"

	"github.com/shopspring/decimal"
)

const icypeasBaseURL = "https://app.icypeas.com/api"

// Icypeas is the cheapest cascade step: an email search keyed on name plus
// company or domain.
type Icypeas struct {
	settings Settings
	client   *httpClient
}

// NewIcypeas creates the adapter.
func NewIcypeas(settings Settings) *Icypeas {
	settings = settings.withDefaults(icypeasBaseURL)
	return &Icypeas{
		settings: settings,
		client:   newHTTPClient("icypeas", settings.BaseURL, settings.CallTimeout),
	}
}

func (p *Icypeas) Name() string          { return "icypeas" }
func (p *Icypeas) Cost() decimal.Decimal { return p.settings.Cost }
func (p *Icypeas) Capabilities() CapSet  { return CapSet{Email: true, Phone: true} }
func (p *Icypeas) RateLimit() RateSpec   { return p.settings.rateSpec() }

type icypeasRequest struct {
	FirstName       string `json:"firstname"`
	LastName        string `json:"lastname"`
	DomainOrCompany string `json:"domainOrCompany"`
}

type icypeasResponse struct {
	Success bool `json:"success"`
	Item    struct {
		Status  string `json:"status"`
		Results struct {
			Emails []struct {
				Email     string `json:"email"`
				Certainty string `json:"certainty"`
			} `json:"emails"`
			Phones []string `json:"phones"`
		} `json:"results"`
	} `json:"item"`
}

func (p *Icypeas) Lookup(ctx context.Context, contact *NormalizedContact) (*Result, error) {
	domainOrCompany := contact.CompanyDomain
	if domainOrCompany == "" {
		domainOrCompany = contact.Company
	}
	req := icypeasRequest{
		FirstName:       contact.FirstName,
		LastName:        contact.LastName,
		DomainOrCompany: domainOrCompany,
	}
	header := http.Header{"Authorization": []string{p.settings.APIKey}}

	var resp icypeasResponse
	raw, err := p.client.postJSON(ctx, "/email-search", header, req, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &LookupError{Provider: p.Name(), Kind: FailInvalidResponse}
	}

	res := &Result{Provider: p.Name(), Raw: raw}
	for _, e := range resp.Item.Results.Emails {
		if email := sanitizeEmail(e.Email); email != "" {
			res.Email = email
			res.Confidence = icypeasCertainty(e.Certainty)
			break
		}
	}
	if len(resp.Item.Results.Phones) > 0 {
		res.Phone = resp.Item.Results.Phones[0]
		if res.Confidence == 0 {
			res.Confidence = 0.7
		}
	}
	if !res.HasData() {
		return nil, &LookupError{Provider: p.Name(), Kind: FailNotFound}
	}
	return res, nil
}

// icypeasCertainty maps the verbal certainty grades onto the canonical
// scale.
func icypeasCertainty(grade string) float64 {
	switch grade {
	case "ultra_sure":
		return 0.97
	case "sure":
		return 0.88
	case "probable":
		return 0.72
	case "risky":
		return 0.55
	default:
		return 0.5
	}
}
