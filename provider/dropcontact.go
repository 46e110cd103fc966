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
	"time"

	"github.com/shopspring/decimal"
)

const dropcontactBaseURL = "https://api.dropcontact.com/v1"

// Dropcontact enriches asynchronously: a submission returns a request id
// that is polled until the batch is processed. The adapter hides the poll
// loop behind the uniform lookup and leans on the caller's deadline to
// bound it.
type Dropcontact struct {
	settings     Settings
	client       *httpClient
	pollInterval time.Duration
}

// NewDropcontact creates the adapter.
func NewDropcontact(settings Settings) *Dropcontact {
	settings = settings.withDefaults(dropcontactBaseURL)
	return &Dropcontact{
		settings:     settings,
		client:       newHTTPClient("dropcontact", settings.BaseURL, settings.CallTimeout),
		pollInterval: 2 * time.Second,
	}
}

func (p *Dropcontact) Name() string          { return "dropcontact" }
func (p *Dropcontact) Cost() decimal.Decimal { return p.settings.Cost }
func (p *Dropcontact) Capabilities() CapSet  { return CapSet{Email: true, Phone: true} }
func (p *Dropcontact) RateLimit() RateSpec   { return p.settings.rateSpec() }

type dropcontactRow struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Website   string `json:"website,omitempty"`
	LinkedIn  string `json:"linkedin,omitempty"`
}

type dropcontactSubmit struct {
	Data []dropcontactRow `json:"data"`
}

type dropcontactSubmitResponse struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason"`
}

type dropcontactPollResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Data    []struct {
		Email []struct {
			Email         string `json:"email"`
			Qualification string `json:"qualification"`
		} `json:"email"`
		Phone string `json:"phone"`
	} `json:"data"`
}

func (p *Dropcontact) Lookup(ctx context.Context, contact *NormalizedContact) (*Result, error) {
	header := http.Header{"X-Access-Token": []string{p.settings.APIKey}}
	submit := dropcontactSubmit{Data: []dropcontactRow{{
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
		Company:   contact.Company,
		Website:   contact.CompanyDomain,
		LinkedIn:  contact.ProfileURL,
	}}}

	var accepted dropcontactSubmitResponse
	if _, err := p.client.postJSON(ctx, "/enrich/all", header, submit, &accepted); err != nil {
		return nil, err
	}
	if !accepted.Success || accepted.RequestID == "" {
		return nil, &LookupError{Provider: p.Name(), Kind: FailInvalidResponse}
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		var poll dropcontactPollResponse
		raw, err := p.client.getJSON(ctx, "/enrich/all/"+accepted.RequestID, header, &poll)
		if err != nil {
			return nil, err
		}
		if !poll.Success {
			continue // batch still processing
		}
		if len(poll.Data) == 0 {
			return nil, &LookupError{Provider: p.Name(), Kind: FailNotFound}
		}

		row := poll.Data[0]
		res := &Result{Provider: p.Name(), Raw: raw, Phone: row.Phone}
		for _, e := range row.Email {
			if email := sanitizeEmail(e.Email); email != "" {
				res.Email = email
				res.Confidence = dropcontactQualification(e.Qualification)
				break
			}
		}
		if res.Phone != "" && res.Confidence == 0 {
			res.Confidence = 0.7
		}
		if !res.HasData() {
			return nil, &LookupError{Provider: p.Name(), Kind: FailNotFound}
		}
		return res, nil
	}
}

// dropcontactQualification maps the qualification tags onto the canonical
// scale. Nominative professional addresses are the strongest signal the
// service emits.
func dropcontactQualification(tag string) float64 {
	switch tag {
	case "nominative@pro":
		return 0.95
	case "initial@pro":
		return 0.8
	case "@pro":
		return 0.65
	default:
		return 0.5
	}
}
