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

const apolloBaseURL = "https://api.apollo.io/v1"

// Apollo is the most expensive step, a person-match lookup that often
// carries a phone number when the cheaper services found none.
type Apollo struct {
	settings Settings
	client   *httpClient
}

// NewApollo creates the adapter.
func NewApollo(settings Settings) *Apollo {
	settings = settings.withDefaults(apolloBaseURL)
	return &Apollo{
		settings: settings,
		client:   newHTTPClient("apollo", settings.BaseURL, settings.CallTimeout),
	}
}

func (p *Apollo) Name() string          { return "apollo" }
func (p *Apollo) Cost() decimal.Decimal { return p.settings.Cost }
func (p *Apollo) Capabilities() CapSet  { return CapSet{Email: true, Phone: true} }
func (p *Apollo) RateLimit() RateSpec   { return p.settings.rateSpec() }

type apolloRequest struct {
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
	Domain           string `json:"domain,omitempty"`
	LinkedInURL      string `json:"linkedin_url,omitempty"`
}

type apolloResponse struct {
	Person *struct {
		Email        string `json:"email"`
		EmailStatus  string `json:"email_status"`
		PhoneNumbers []struct {
			RawNumber string `json:"raw_number"`
			Type      string `json:"type"`
		} `json:"phone_numbers"`
	} `json:"person"`
}

func (p *Apollo) Lookup(ctx context.Context, contact *NormalizedContact) (*Result, error) {
	req := apolloRequest{
		FirstName:        contact.FirstName,
		LastName:         contact.LastName,
		OrganizationName: contact.Company,
		Domain:           contact.CompanyDomain,
		LinkedInURL:      contact.ProfileURL,
	}
	header := http.Header{"X-Api-Key": []string{p.settings.APIKey}}

	var resp apolloResponse
	raw, err := p.client.postJSON(ctx, "/people/match", header, req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Person == nil {
		return nil, &LookupError{Provider: p.Name(), Kind: FailNotFound}
	}

	res := &Result{
		Provider: p.Name(),
		Email:    sanitizeEmail(resp.Person.Email),
		Raw:      raw,
	}
	switch resp.Person.EmailStatus {
	case "verified":
		res.Confidence = 0.92
	case "guessed":
		res.Confidence = 0.65
	default:
		if res.Email != "" {
			res.Confidence = 0.7
		}
	}
	for _, num := range resp.Person.PhoneNumbers {
		if num.RawNumber != "" {
			res.Phone = num.RawNumber
			break
		}
	}
	if res.Email == "" && res.Phone != "" && res.Confidence == 0 {
		res.Confidence = 0.7
	}
	if !res.HasData() {
		return nil, &LookupError{Provider: p.Name(), Kind: FailNotFound}
	}
	return res, nil
}
