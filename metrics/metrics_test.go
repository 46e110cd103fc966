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

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsIsolatedPerInstance(t *testing.T) {
	a, b := New(), New()

	a.JobsSubmitted.Inc()
	a.ProviderCalls.WithLabelValues("hunter", "hit").Inc()
	a.ProviderCalls.WithLabelValues("hunter", "miss").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.JobsSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.ProviderCalls.WithLabelValues("hunter", "miss")))
	assert.Zero(t, testutil.ToFloat64(b.JobsSubmitted))
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.JobsSubmitted.Inc()
	m.CacheLookups.WithLabelValues("user_duplicate").Inc()
	m.ContactDuration.Observe(1.2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "cascade_jobs_submitted_total 1")
	assert.Contains(t, body, `cascade_cache_lookups_total{result="user_duplicate"} 1`)
	assert.Contains(t, body, "cascade_contacts_duration_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}
