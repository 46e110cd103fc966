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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContact = &NormalizedContact{
	FirstName:     "alice",
	LastName:      "martin",
	Company:       "acme",
	CompanyDomain: "acme.com",
	ProfileURL:    "https://linkedin.com/in/alice-martin",
}

func TestIcypeasLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/email-search", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("Authorization"))
		var req icypeasRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.FirstName)
		assert.Equal(t, "acme.com", req.DomainOrCompany)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"item": map[string]interface{}{
				"status": "FOUND",
				"results": map[string]interface{}{
					"emails": []map[string]string{{"email": "alice.martin@acme.com", "certainty": "ultra_sure"}},
					"phones": []string{"+33123456789"},
				},
			},
		})
	}))
	defer srv.Close()

	p := NewIcypeas(Settings{APIKey: "key-1", BaseURL: srv.URL})
	res, err := p.Lookup(context.Background(), testContact)
	require.NoError(t, err)
	assert.Equal(t, "icypeas", res.Provider)
	assert.Equal(t, "alice.martin@acme.com", res.Email)
	assert.Equal(t, "+33123456789", res.Phone)
	assert.Equal(t, 0.97, res.Confidence)
	assert.NotEmpty(t, res.Raw)
}

func TestIcypeasNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"item":    map[string]interface{}{"status": "NOT_FOUND"},
		})
	}))
	defer srv.Close()

	p := NewIcypeas(Settings{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Lookup(context.Background(), testContact)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestHunterLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/email-finder", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "key-2", q.Get("api_key"))
		assert.Equal(t, "acme.com", q.Get("domain"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"email": "alice.martin@acme.com",
				"score": 86,
			},
		})
	}))
	defer srv.Close()

	p := NewHunter(Settings{APIKey: "key-2", BaseURL: srv.URL})
	res, err := p.Lookup(context.Background(), testContact)
	require.NoError(t, err)
	assert.Equal(t, "alice.martin@acme.com", res.Email)
	assert.Empty(t, res.Phone)
	assert.InDelta(t, 0.86, res.Confidence, 1e-9)
}

func TestApolloLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/people/match", r.URL.Path)
		require.Equal(t, "key-3", r.Header.Get("X-Api-Key"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"person": map[string]interface{}{
				"email":        "alice.martin@acme.com",
				"email_status": "verified",
				"phone_numbers": []map[string]string{
					{"raw_number": "+33612345678", "type": "mobile"},
				},
			},
		})
	}))
	defer srv.Close()

	p := NewApollo(Settings{APIKey: "key-3", BaseURL: srv.URL})
	res, err := p.Lookup(context.Background(), testContact)
	require.NoError(t, err)
	assert.Equal(t, "alice.martin@acme.com", res.Email)
	assert.Equal(t, "+33612345678", res.Phone)
	assert.Equal(t, 0.92, res.Confidence)
}

func TestApolloNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"person": nil})
	}))
	defer srv.Close()

	p := NewApollo(Settings{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Lookup(context.Background(), testContact)
	assert.True(t, IsNotFound(err))
}

func TestApolloDomainOnlyEmailDiscarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"person": map[string]interface{}{"email": "@acme.com", "email_status": "guessed"},
		})
	}))
	defer srv.Close()

	p := NewApollo(Settings{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Lookup(context.Background(), testContact)
	assert.True(t, IsNotFound(err), "domain pattern must not count as data, got %v", err)
}

func TestDropcontactPollFlow(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			require.Equal(t, "/enrich/all", r.URL.Path)
			require.Equal(t, "key-4", r.Header.Get("X-Access-Token"))
			json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "request_id": "req-1"})
		default:
			require.Equal(t, "/enrich/all/req-1", r.URL.Path)
			if polls.Add(1) == 1 {
				json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "reason": "not ready"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"data": []map[string]interface{}{{
					"email": []map[string]string{{"email": "alice.martin@acme.com", "qualification": "nominative@pro"}},
					"phone": "+33123456789",
				}},
			})
		}
	}))
	defer srv.Close()

	p := NewDropcontact(Settings{APIKey: "key-4", BaseURL: srv.URL})
	p.pollInterval = 5 * time.Millisecond

	res, err := p.Lookup(context.Background(), testContact)
	require.NoError(t, err)
	assert.Equal(t, "alice.martin@acme.com", res.Email)
	assert.Equal(t, "+33123456789", res.Phone)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Equal(t, int32(2), polls.Load())
}

func TestDropcontactDeadlineDuringPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "request_id": "req-2"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "reason": "not ready"})
	}))
	defer srv.Close()

	p := NewDropcontact(Settings{APIKey: "k", BaseURL: srv.URL})
	p.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Lookup(ctx, testContact)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
