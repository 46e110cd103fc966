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

package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/captely/cascade/ledger"
	"github.com/captely/cascade/provider"
	"github.com/captely/cascade/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptedAdapter scripts lookup behavior per call, like the provider
// package's stub but safe for the concurrent worker pool.
type scriptedAdapter struct {
	name string
	cost decimal.Decimal

	mu     sync.Mutex
	calls  int
	lookup func(ctx context.Context, call int, nc *provider.NormalizedContact) (*provider.Result, error)
}

func (s *scriptedAdapter) Name() string          { return s.name }
func (s *scriptedAdapter) Cost() decimal.Decimal { return s.cost }
func (s *scriptedAdapter) Capabilities() provider.CapSet {
	return provider.CapSet{Email: true, Phone: true}
}
func (s *scriptedAdapter) RateLimit() provider.RateSpec {
	return provider.RateSpec{MaxPerMinute: 60000, Burst: 1000}
}

func (s *scriptedAdapter) Lookup(ctx context.Context, nc *provider.NormalizedContact) (*provider.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.lookup(ctx, call, nc)
}

func (s *scriptedAdapter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// hits builds an adapter that always answers with the same result.
func hits(name, cost, email, phone string, conf float64) *scriptedAdapter {
	return &scriptedAdapter{
		name: name,
		cost: dec(cost),
		lookup: func(context.Context, int, *provider.NormalizedContact) (*provider.Result, error) {
			return &provider.Result{Provider: name, Email: email, Phone: phone, Confidence: conf}, nil
		},
	}
}

// misses builds an adapter that always reports a clean not-found.
func misses(name, cost string) *scriptedAdapter {
	return &scriptedAdapter{
		name: name,
		cost: dec(cost),
		lookup: func(context.Context, int, *provider.NormalizedContact) (*provider.Result, error) {
			return nil, &provider.LookupError{Provider: name, Kind: provider.FailNotFound}
		},
	}
}

type fixedBilling struct {
	sub *types.Subscription
}

func (b *fixedBilling) Subscription(string) (*types.Subscription, error) { return b.sub, nil }

// staticResolver answers every domain with one address and one MX host so
// discovered emails verify to 0.85 with probing disabled.
type staticResolver struct{}

func (staticResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.IPv4(192, 0, 2, 10)}}, nil
}

func (staticResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return []*net.MX{{Host: "mx." + name, Pref: 10}}, nil
}

type engineParams struct {
	db       kvdb.Database
	sub      *types.Subscription
	cfg      Config
	breakers provider.BreakerSettings
	adapters []provider.Adapter
}

func newTestEngine(t *testing.T, p engineParams) *Engine {
	t.Helper()
	if p.db == nil {
		p.db = kvdb.NewMemoryDB()
	}
	if p.breakers.Threshold == 0 {
		p.breakers = provider.BreakerSettings{Threshold: 50, Cooldown: time.Hour}
	}
	reg := provider.NewRegistry(provider.NewLimiter(1), provider.NewBreakers(p.breakers, nil))
	for _, a := range p.adapters {
		require.NoError(t, reg.Add(a, 1))
	}
	if p.cfg.PoolSize == 0 {
		p.cfg.PoolSize = 2
	}
	if p.cfg.QueueCapacity == 0 {
		p.cfg.QueueCapacity = 256
	}
	if p.cfg.RetryBackoff == 0 {
		p.cfg.RetryBackoff = time.Millisecond
	}
	if p.cfg.Verify.Resolver == nil {
		p.cfg.Verify.Resolver = staticResolver{}
	}
	e, err := New(p.db, reg, &fixedBilling{sub: p.sub}, p.cfg)
	require.NoError(t, err)
	return e
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start())
	t.Cleanup(func() { require.NoError(t, e.Stop()) })
}

func topUp(t *testing.T, e *Engine, user, amount string) {
	t.Helper()
	_, err := e.TopUp(user, dec(amount))
	require.NoError(t, err)
}

// testSeeds yields n distinct identifiable seeds.
func testSeeds(n int) []types.ContactSeed {
	seeds := make([]types.ContactSeed, n)
	for i := range seeds {
		seeds[i] = types.ContactSeed{
			FirstName:     fmt.Sprintf("jean%d", i),
			LastName:      "dupont",
			Company:       "acme",
			CompanyDomain: "acme.com",
			Position:      "cto",
		}
	}
	return seeds
}

func waitCompleted(t *testing.T, ch <-chan types.JobCompletedEvent, id uuid.UUID) types.JobCompletedEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.JobID == id {
				return ev
			}
		case <-deadline:
			t.Fatalf("job %s did not finish in time", id)
		}
	}
}

func waitProgress(t *testing.T, ch <-chan types.JobProgressEvent, outcome types.ContactStatus) types.JobProgressEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Outcome == outcome {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s progress event in time", outcome)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{hits("icypeas", "0.1", "a@b.c", "", 0.9)}})
	ctx := context.Background()

	_, err := e.SubmitJob(ctx, "", types.OriginAPI, testSeeds(1))
	assert.True(t, IsInvalidInput(err))

	_, err = e.SubmitJob(ctx, "u1", types.OriginAPI, nil)
	assert.True(t, IsInvalidInput(err))

	seeds := testSeeds(2)
	seeds[1] = types.ContactSeed{FirstName: "solo"} // no last name, company or url
	_, err = e.SubmitJob(ctx, "u1", types.OriginAPI, seeds)
	require.True(t, IsInvalidInput(err))
	assert.Contains(t, err.Error(), "contact 1")
}

func TestSingleProviderEnrichment(t *testing.T) {
	icy := hits("icypeas", "0.1", "jean@acme.com", "+33612345678", 0.95)
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{icy}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	progress := make(chan types.JobProgressEvent, 4)
	psub := e.SubscribeProgress(progress)
	defer psub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginCSV, testSeeds(1))
	require.NoError(t, err)

	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCompleted, ev.State)
	assert.Equal(t, types.JobCounts{Enriched: 1}, ev.Counts)

	prog := waitProgress(t, progress, types.StatusEnriched)
	assert.Equal(t, id, prog.JobID)
	assert.Equal(t, 1, prog.Completed)
	assert.Equal(t, 1, prog.Total)

	job, err := e.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.State)
	assert.Equal(t, types.OriginCSV, job.Origin)
	assert.Equal(t, 1, job.Completed)

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	c := contacts[0]
	assert.Equal(t, types.StatusEnriched, c.EnrichmentStatus)
	assert.Equal(t, "jean@acme.com", c.Email)
	assert.Equal(t, "+33612345678", c.Phone)
	assert.Equal(t, "icypeas", c.EnrichmentProvider)
	assert.InDelta(t, 0.95, c.EnrichmentScore, 1e-9)
	assert.Equal(t, "0.1", c.CreditsConsumed.String())

	// Verification ran with probing disabled: syntax, domain and MX checks
	// passed, the probe level stayed neutral.
	assert.True(t, c.EmailVerified)
	assert.InDelta(t, 0.85, c.EmailVerificationScore, 1e-9)
	assert.Equal(t, 3, c.EmailVerificationLevel)
	assert.Equal(t, types.ReliabilityGood, c.EmailReliability)
	assert.True(t, c.PhoneVerified)
	assert.Equal(t, types.PhoneMobile, c.PhoneType)
	assert.Equal(t, "FR", c.PhoneCountry)
	assert.Equal(t, 99, c.LeadScore)

	rows, err := store.ReadProviderResults(e.db, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "icypeas", rows[0].Provider)
	assert.InDelta(t, 0.95, rows[0].Confidence, 1e-9)

	bal, err := e.Balance("u1")
	require.NoError(t, err)
	assert.Equal(t, "99.9", bal.Remaining().String())

	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.JobsActive))
}

func TestCascadeStopsAtConfidence(t *testing.T) {
	icy := hits("icypeas", "0.1", "jean@acme.com", "", 0.92)
	drop := hits("dropcontact", "0.2", "never@called.com", "", 0.99)
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{icy, drop}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	waitCompleted(t, completed, id)

	assert.Equal(t, 1, icy.count())
	assert.Equal(t, 0, drop.count(), "the cascade must stop once a result clears the stop threshold")

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "0.1", contacts[0].CreditsConsumed.String())
	assert.Equal(t, "jean@acme.com", contacts[0].Email)
}

func TestCascadeMergesAcrossProviders(t *testing.T) {
	icy := hits("icypeas", "0.1", "weak@acme.com", "", 0.75)
	drop := hits("dropcontact", "0.2", "", "+33612345678", 0.80)
	hunter := hits("hunter", "0.3", "strong@acme.com", "", 0.85)
	apollo := misses("apollo", "0.4")
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{icy, drop, hunter, apollo}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCounts{Enriched: 1}, ev.Counts)

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	c := contacts[0]

	// Best confidence wins per field: hunter's email beats icypeas', the
	// phone only dropcontact found is kept alongside.
	assert.Equal(t, "strong@acme.com", c.Email)
	assert.Equal(t, "+33612345678", c.Phone)
	assert.Equal(t, "hunter", c.EnrichmentProvider)
	assert.InDelta(t, 0.85, c.EnrichmentScore, 1e-9)
	assert.Equal(t, "0.6", c.CreditsConsumed.String(), "the miss is not billed")

	rows, err := store.ReadProviderResults(e.db, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for i, name := range []string{"icypeas", "dropcontact", "hunter", "apollo"} {
		assert.Equal(t, name, rows[i].Provider)
		assert.Equal(t, uint16(i), rows[i].Seq)
	}
	assert.True(t, rows[3].NotFound)
}

func TestLowConfidenceRecordedNotBilled(t *testing.T) {
	icy := hits("icypeas", "0.1", "shaky@acme.com", "", 0.5)
	drop := misses("dropcontact", "0.2")
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{icy, drop}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCounts{NotFound: 1}, ev.Counts)

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	c := contacts[0]
	assert.Equal(t, types.StatusNotFound, c.EnrichmentStatus)
	assert.Empty(t, c.Email, "a below-threshold result must not be merged")
	assert.Equal(t, "0", c.CreditsConsumed.String())

	// The unusable answer still leaves its audit row.
	rows, err := store.ReadProviderResults(e.db, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "shaky@acme.com", rows[0].Email)
	assert.InDelta(t, 0.5, rows[0].Confidence, 1e-9)
	assert.True(t, rows[1].NotFound)

	bal, err := e.Balance("u1")
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Remaining().String())
}

func TestUserDuplicateIsFree(t *testing.T) {
	icy := hits("icypeas", "0.1", "jean@acme.com", "+33612345678", 0.95)
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{icy}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	ctx := context.Background()
	seeds := testSeeds(2)

	id1, err := e.SubmitJob(ctx, "u1", types.OriginAPI, seeds[:1])
	require.NoError(t, err)
	waitCompleted(t, completed, id1)

	// The second batch resubmits the same first contact plus a new one.
	id2, err := e.SubmitJob(ctx, "u1", types.OriginAPI, seeds)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	waitCompleted(t, completed, id2)

	assert.Equal(t, 2, icy.count(), "the duplicate must be served without a provider call")

	contacts, err := e.GetContacts(id2, 0, 0)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	dup, fresh := contacts[0], contacts[1]

	assert.Equal(t, types.StatusEnriched, dup.EnrichmentStatus)
	assert.Equal(t, types.SourceCacheUserDuplicate, dup.EnrichmentProvider)
	assert.Equal(t, "jean@acme.com", dup.Email)
	assert.Equal(t, "0", dup.CreditsConsumed.String())
	assert.True(t, dup.EmailVerified, "verification reruns on cache-served contacts")

	assert.Equal(t, "icypeas", fresh.EnrichmentProvider)
	assert.Equal(t, "0.1", fresh.CreditsConsumed.String())

	bal, err := e.Balance("u1")
	require.NoError(t, err)
	assert.Equal(t, "0.2", bal.Used.String())

	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.CacheLookups.WithLabelValues(types.SourceCacheUserDuplicate)))
}

func TestGlobalHitChargesUnitPrice(t *testing.T) {
	icy := hits("icypeas", "0.1", "jean@acme.com", "", 0.95)
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{icy}})
	startEngine(t, e)
	topUp(t, e, "alice", "100")
	topUp(t, e, "bob", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	ctx := context.Background()
	seeds := testSeeds(2)

	id1, err := e.SubmitJob(ctx, "alice", types.OriginAPI, seeds[:1])
	require.NoError(t, err)
	waitCompleted(t, completed, id1)

	// Bob asks for the contact alice already paid for: served from the
	// global layer at the enrichment unit price, no provider call.
	id2, err := e.SubmitJob(ctx, "bob", types.OriginAPI, seeds[:1])
	require.NoError(t, err)
	waitCompleted(t, completed, id2)
	assert.Equal(t, 1, icy.count())

	contacts, err := e.GetContacts(id2, 0, 0)
	require.NoError(t, err)
	c := contacts[0]
	assert.Equal(t, types.SourceCacheGlobal, c.EnrichmentProvider)
	assert.Equal(t, "jean@acme.com", c.Email)
	assert.Equal(t, "1", c.CreditsConsumed.String())

	entries, err := e.LedgerEntries("bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2) // topup, then the cache hit
	hit := entries[1]
	assert.Equal(t, types.SourceCacheGlobal, hit.Provider)
	assert.Equal(t, "1", hit.Cost.String())
	assert.JSONEq(t, `{"api_cost_saved":"0.1"}`, string(hit.Details))

	// The global hit recorded bob's ownership: the third run is free.
	id3, err := e.SubmitJob(ctx, "bob", types.OriginAPI, seeds)
	require.NoError(t, err)
	waitCompleted(t, completed, id3)
	assert.Equal(t, 2, icy.count(), "only the genuinely new contact hits a provider")

	contacts, err = e.GetContacts(id3, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, types.SourceCacheUserDuplicate, contacts[0].EnrichmentProvider)
	assert.Equal(t, "0", contacts[0].CreditsConsumed.String())

	bal, err := e.Balance("bob")
	require.NoError(t, err)
	assert.Equal(t, "1.1", bal.Used.String())
}

func TestDailyQuotaFailsRemainder(t *testing.T) {
	icy := hits("icypeas", "0.1", "jean@acme.com", "", 0.95)
	e := newTestEngine(t, engineParams{
		sub:      &types.Subscription{Plan: "starter", DailyQuota: dec("0.25")},
		cfg:      Config{PoolSize: 1},
		adapters: []provider.Adapter{icy},
	})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(3))
	require.NoError(t, err)
	ev := waitCompleted(t, completed, id)

	assert.Equal(t, types.JobCompleted, ev.State, "quota failures do not abort the job")
	assert.Equal(t, types.JobCounts{Enriched: 2, Failed: 1}, ev.Counts)

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	require.Len(t, contacts, 3)
	assert.Equal(t, types.StatusEnriched, contacts[0].EnrichmentStatus)
	assert.Equal(t, types.StatusEnriched, contacts[1].EnrichmentStatus)
	assert.Equal(t, types.StatusFailed, contacts[2].EnrichmentStatus)
	assert.Equal(t, types.FailureQuotaExceeded, contacts[2].FailureReason)
	assert.Equal(t, 2, icy.count(), "the rejected contact never reaches a provider")

	quotas, err := e.Quotas("u1")
	require.NoError(t, err)
	assert.Equal(t, "0.2", quotas.Today.String())

	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.QuotaRejections.WithLabelValues("daily")))
}

func TestLowCreditEventFires(t *testing.T) {
	icy := hits("icypeas", "0.1", "jean@acme.com", "", 0.95)
	e := newTestEngine(t, engineParams{
		cfg:      Config{Ledger: ledger.Config{LowCreditThreshold: dec("99.95")}},
		adapters: []provider.Adapter{icy},
	})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	low := make(chan types.LowCreditEvent, 4)
	sub := e.SubscribeLowCredit(low)
	defer sub.Unsubscribe()
	completed := make(chan types.JobCompletedEvent, 4)
	csub := e.SubscribeCompleted(completed)
	defer csub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	waitCompleted(t, completed, id)

	select {
	case ev := <-low:
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, "99.9", ev.Remaining.String())
	case <-time.After(5 * time.Second):
		t.Fatal("no low-credit event")
	}
}

func TestAllProvidersFailing(t *testing.T) {
	bad := &scriptedAdapter{
		name: "icypeas",
		cost: dec("0.1"),
		lookup: func(context.Context, int, *provider.NormalizedContact) (*provider.Result, error) {
			return nil, &provider.LookupError{Provider: "icypeas", Kind: provider.FailProviderUnavailable, Status: 503}
		},
	}
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{bad}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCounts{Failed: 1}, ev.Counts)

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	c := contacts[0]
	assert.Equal(t, types.StatusFailed, c.EnrichmentStatus)
	assert.Equal(t, types.FailureProviders, c.FailureReason)

	rows, err := store.ReadProviderResults(e.db, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(provider.FailProviderUnavailable), rows[0].Failure)
}

func TestOpenBreakerSkipsProvider(t *testing.T) {
	bad := &scriptedAdapter{
		name: "icypeas",
		cost: dec("0.1"),
		lookup: func(context.Context, int, *provider.NormalizedContact) (*provider.Result, error) {
			return nil, &provider.LookupError{Provider: "icypeas", Kind: provider.FailProviderUnavailable, Status: 503}
		},
	}
	good := hits("dropcontact", "0.2", "jean@acme.com", "", 0.95)
	e := newTestEngine(t, engineParams{
		cfg:      Config{PoolSize: 1},
		breakers: provider.BreakerSettings{Threshold: 1, Cooldown: time.Hour},
		adapters: []provider.Adapter{bad, good},
	})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(2))
	require.NoError(t, err)
	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCounts{Enriched: 2}, ev.Counts)

	// The first contact tripped the circuit; the second skips straight to
	// the healthy provider.
	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 2, good.count())

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	rows, err := store.ReadProviderResults(e.db, contacts[1].ID)
	require.NoError(t, err)
	require.Len(t, rows, 1, "a skipped provider leaves no result row")
	assert.Equal(t, "dropcontact", rows[0].Provider)
}

func TestRateLimitedProviderSkipped(t *testing.T) {
	throttled := &scriptedAdapter{
		name: "icypeas",
		cost: dec("0.1"),
		lookup: func(context.Context, int, *provider.NormalizedContact) (*provider.Result, error) {
			return nil, &provider.LookupError{Provider: "icypeas", Kind: provider.FailRateLimited, Status: 429}
		},
	}
	good := hits("dropcontact", "0.2", "jean@acme.com", "", 0.95)
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{throttled, good}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	waitCompleted(t, completed, id)

	assert.Equal(t, 2, throttled.count(), "one retry after the throttle, then move on")
	assert.Equal(t, 1, good.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.ProviderRetries.WithLabelValues("icypeas")))

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	c := contacts[0]
	assert.Equal(t, "dropcontact", c.EnrichmentProvider)
	assert.Equal(t, "0.2", c.CreditsConsumed.String())

	rows, err := store.ReadProviderResults(e.db, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1, "rate-limit skips leave no result row")
	assert.Equal(t, "dropcontact", rows[0].Provider)
}

func TestDeadlineExpiryNothingAccepted(t *testing.T) {
	stalled := &scriptedAdapter{name: "icypeas", cost: dec("0.1")}
	stalled.lookup = func(ctx context.Context, call int, nc *provider.NormalizedContact) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := newTestEngine(t, engineParams{
		cfg:      Config{ContactDeadline: 50 * time.Millisecond},
		adapters: []provider.Adapter{stalled},
	})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCounts{NotFound: 1}, ev.Counts)

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	c := contacts[0]
	assert.Equal(t, types.StatusNotFound, c.EnrichmentStatus)
	assert.Equal(t, "0", c.CreditsConsumed.String())

	// The call the deadline cut short reached no verdict: no audit row,
	// no charge.
	rows, err := store.ReadProviderResults(e.db, c.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	bal, err := e.Balance("u1")
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Remaining().String())
}

func TestDeadlineKeepsAcceptedFields(t *testing.T) {
	fast := hits("icypeas", "0.1", "jean@acme.com", "", 0.75)
	stalled := &scriptedAdapter{name: "dropcontact", cost: dec("0.2")}
	stalled.lookup = func(ctx context.Context, call int, nc *provider.NormalizedContact) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := newTestEngine(t, engineParams{
		cfg:      Config{ContactDeadline: 200 * time.Millisecond},
		adapters: []provider.Adapter{fast, stalled},
	})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCounts{Enriched: 1}, ev.Counts)

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	c := contacts[0]
	assert.Equal(t, types.StatusEnriched, c.EnrichmentStatus, "the deadline keeps what was bought before it")
	assert.Equal(t, "jean@acme.com", c.Email)
	assert.Equal(t, "icypeas", c.EnrichmentProvider)
	assert.Equal(t, "0.1", c.CreditsConsumed.String())

	rows, err := store.ReadProviderResults(e.db, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the interrupted call leaves no row")
	assert.Equal(t, "icypeas", rows[0].Provider)

	bal, err := e.Balance("u1")
	require.NoError(t, err)
	assert.Equal(t, "0.1", bal.Used.String())
}

func TestResumeAppendsProviderResults(t *testing.T) {
	db := kvdb.NewMemoryDB()
	blocked := &scriptedAdapter{name: "icypeas", cost: dec("0.1")}
	blocked.lookup = func(ctx context.Context, call int, nc *provider.NormalizedContact) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	a := newTestEngine(t, engineParams{db: db, cfg: Config{PoolSize: 1}, adapters: []provider.Adapter{blocked}})
	require.NoError(t, a.Start())
	topUp(t, a, "u1", "100")

	id, err := a.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	require.NoError(t, err)
	require.NoError(t, a.Stop())

	ids, err := store.ReadJobContactIDs(db, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// The run that went down left a failed-call audit row behind.
	require.NoError(t, store.WriteProviderResult(db, &types.ProviderResult{
		ContactID: ids[0],
		Seq:       0,
		Provider:  "apollo",
		Failure:   string(provider.FailTransientNetwork),
		CreatedAt: time.Now(),
	}))

	b := newTestEngine(t, engineParams{db: db, adapters: []provider.Adapter{hits("icypeas", "0.1", "jean@acme.com", "", 0.95)}})
	completed := make(chan types.JobCompletedEvent, 4)
	sub := b.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	startEngine(t, b)

	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCounts{Enriched: 1}, ev.Counts)

	// The resumed walk appends after the earlier attempt's rows instead of
	// rewriting them.
	rows, err := store.ReadProviderResults(db, ids[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "apollo", rows[0].Provider)
	assert.Equal(t, string(provider.FailTransientNetwork), rows[0].Failure)
	assert.Equal(t, "icypeas", rows[1].Provider)
	assert.Equal(t, uint16(1), rows[1].Seq)
	assert.Equal(t, "jean@acme.com", rows[1].Email)
}

func TestCancelMidJob(t *testing.T) {
	gated := &scriptedAdapter{name: "icypeas", cost: dec("0.1")}
	gated.lookup = func(ctx context.Context, call int, nc *provider.NormalizedContact) (*provider.Result, error) {
		if call == 1 {
			return &provider.Result{Provider: "icypeas", Email: "jean@acme.com", Confidence: 0.95}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := newTestEngine(t, engineParams{cfg: Config{PoolSize: 1}, adapters: []provider.Adapter{gated}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	progress := make(chan types.JobProgressEvent, 8)
	psub := e.SubscribeProgress(progress)
	defer psub.Unsubscribe()

	id, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(3))
	require.NoError(t, err)

	waitProgress(t, progress, types.StatusEnriched)
	require.NoError(t, e.CancelJob(id))

	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobPartial, ev.State)
	assert.Equal(t, string(types.FailureCancelled), ev.Reason)
	assert.Equal(t, types.JobCounts{Enriched: 1}, ev.Counts)

	contacts, err := e.GetContacts(id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusEnriched, contacts[0].EnrichmentStatus)
	assert.Equal(t, types.StatusPending, contacts[1].EnrichmentStatus, "the interrupted contact keeps nothing it did not pay for")
	assert.Equal(t, types.StatusPending, contacts[2].EnrichmentStatus)

	// Cancelling a settled job is an ack.
	require.NoError(t, e.CancelJob(id))
	job, err := e.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobPartial, job.State)
}

func TestStopAndResume(t *testing.T) {
	db := kvdb.NewMemoryDB()
	gated := &scriptedAdapter{name: "icypeas", cost: dec("0.1")}
	gated.lookup = func(ctx context.Context, call int, nc *provider.NormalizedContact) (*provider.Result, error) {
		if call == 1 {
			return &provider.Result{Provider: "icypeas", Email: "jean@acme.com", Confidence: 0.95}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	a := newTestEngine(t, engineParams{db: db, cfg: Config{PoolSize: 1}, adapters: []provider.Adapter{gated}})
	require.NoError(t, a.Start())
	topUp(t, a, "u1", "100")

	progress := make(chan types.JobProgressEvent, 8)
	psub := a.SubscribeProgress(progress)

	id, err := a.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(2))
	require.NoError(t, err)
	waitProgress(t, progress, types.StatusEnriched)
	psub.Unsubscribe()

	// Stop with the second contact in flight: it stays pending, the job
	// stays running for the next start.
	require.NoError(t, a.Stop())
	job, err := store.ReadJob(db, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.State)

	b := newTestEngine(t, engineParams{db: db, adapters: []provider.Adapter{hits("icypeas", "0.1", "second@acme.com", "", 0.9)}})
	completed := make(chan types.JobCompletedEvent, 4)
	sub := b.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	startEngine(t, b)

	ev := waitCompleted(t, completed, id)
	assert.Equal(t, types.JobCompleted, ev.State)
	assert.Equal(t, types.JobCounts{Enriched: 2}, ev.Counts)

	contacts, err := b.GetContacts(id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "jean@acme.com", contacts[0].Email)
	assert.Equal(t, "second@acme.com", contacts[1].Email)

	bal, err := b.Balance("u1")
	require.NoError(t, err)
	assert.Equal(t, "0.2", bal.Used.String())
}

func TestSubmissionDedup(t *testing.T) {
	blocked := &scriptedAdapter{name: "icypeas", cost: dec("0.1")}
	blocked.lookup = func(ctx context.Context, call int, nc *provider.NormalizedContact) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{blocked}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	ctx := context.Background()
	seeds := testSeeds(1)

	id1, err := e.SubmitJob(ctx, "u1", types.OriginAPI, seeds)
	require.NoError(t, err)

	// Same owner, same batch, still running: answered with the prior job.
	again, err := e.SubmitJob(ctx, "u1", types.OriginAPI, seeds)
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	// A different owner gets its own job for the same contacts.
	topUp(t, e, "u2", "100")
	other, err := e.SubmitJob(ctx, "u2", types.OriginAPI, seeds)
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)

	// After a partial run the same batch may be retried.
	require.NoError(t, e.CancelJob(id1))
	ev := waitCompleted(t, completed, id1)
	require.Equal(t, types.JobPartial, ev.State)

	retry, err := e.SubmitJob(ctx, "u1", types.OriginAPI, seeds)
	require.NoError(t, err)
	assert.NotEqual(t, id1, retry)

	jobs, err := e.ListJobs("u1", JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestWorkerSurvivesPanic(t *testing.T) {
	flaky := &scriptedAdapter{name: "icypeas", cost: dec("0.1")}
	flaky.lookup = func(ctx context.Context, call int, nc *provider.NormalizedContact) (*provider.Result, error) {
		if call <= 2 {
			panic("poisoned contact")
		}
		return &provider.Result{Provider: "icypeas", Email: "ok@acme.com", Confidence: 0.9}, nil
	}
	e := newTestEngine(t, engineParams{cfg: Config{PoolSize: 1}, adapters: []provider.Adapter{flaky}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 4)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	ctx := context.Background()
	seeds := testSeeds(2)

	id1, err := e.SubmitJob(ctx, "u1", types.OriginAPI, seeds[:1])
	require.NoError(t, err)
	ev := waitCompleted(t, completed, id1)
	assert.Equal(t, types.JobCounts{Failed: 1}, ev.Counts)

	contacts, err := e.GetContacts(id1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, contacts[0].EnrichmentStatus)
	assert.Equal(t, types.FailureInternal, contacts[0].FailureReason)

	// The pool survived both panics and keeps serving.
	id2, err := e.SubmitJob(ctx, "u1", types.OriginAPI, seeds[1:])
	require.NoError(t, err)
	ev = waitCompleted(t, completed, id2)
	assert.Equal(t, types.JobCounts{Enriched: 1}, ev.Counts)
}

func TestListJobsAndContacts(t *testing.T) {
	icy := hits("icypeas", "0.1", "jean@acme.com", "", 0.95)
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{icy}})
	startEngine(t, e)
	topUp(t, e, "u1", "100")

	completed := make(chan types.JobCompletedEvent, 8)
	sub := e.SubscribeCompleted(completed)
	defer sub.Unsubscribe()
	ctx := context.Background()
	seeds := testSeeds(5)

	idCSV, err := e.SubmitJob(ctx, "u1", types.OriginCSV, seeds[:3])
	require.NoError(t, err)
	waitCompleted(t, completed, idCSV)
	idAPI, err := e.SubmitJob(ctx, "u1", types.OriginAPI, seeds[3:4])
	require.NoError(t, err)
	waitCompleted(t, completed, idAPI)
	idExt, err := e.SubmitJob(ctx, "u1", types.OriginExtension, seeds[4:])
	require.NoError(t, err)
	waitCompleted(t, completed, idExt)

	jobs, err := e.ListJobs("u1", JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []uuid.UUID{idExt, idAPI, idCSV}, []uuid.UUID{jobs[0].ID, jobs[1].ID, jobs[2].ID}, "newest first")

	jobs, err = e.ListJobs("u1", JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = e.ListJobs("u1", JobFilter{Origin: types.OriginCSV})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, idCSV, jobs[0].ID)

	jobs, err = e.ListJobs("u1", JobFilter{State: types.JobPartial})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = e.ListJobs("nobody", JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Pagination follows submission order.
	contacts, err := e.GetContacts(idCSV, 1, 1)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "jean1", contacts[0].FirstName)
}

func TestUnknownJobOperations(t *testing.T) {
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{hits("icypeas", "0.1", "a@b.c", "", 0.9)}})

	_, err := e.GetJob(uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, e.CancelJob(uuid.New()), ErrJobNotFound)
	_, err = e.GetContacts(uuid.New(), 0, 0)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEngineLifecycle(t *testing.T) {
	e := newTestEngine(t, engineParams{adapters: []provider.Adapter{hits("icypeas", "0.1", "a@b.c", "", 0.9)}})

	require.NoError(t, e.Start())
	require.NoError(t, e.Start(), "second start is a no-op")
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop(), "second stop is a no-op")
	assert.ErrorIs(t, e.Start(), ErrEngineStopped)

	// A submission against the stopped engine persists the job for the
	// next start but reports the stop.
	_, err := e.SubmitJob(context.Background(), "u1", types.OriginAPI, testSeeds(1))
	assert.ErrorIs(t, err, ErrEngineStopped)
}
