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
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/captely/cascade/cache"
	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/captely/cascade/ledger"
	"github.com/captely/cascade/metrics"
	"github.com/captely/cascade/provider"
	"github.com/captely/cascade/store"
	"github.com/captely/cascade/verify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// coordinator walks a single contact through the cache, the quota gates
// and the provider cascade, then verifies and persists what came out. One
// coordinator is shared by all workers; it holds no per-contact state.
type coordinator struct {
	db       kvdb.Database
	ledger   *ledger.Ledger
	cache    *cache.Cache
	registry *provider.Registry
	verifier *verify.Verifier
	metrics  *metrics.Metrics
	log      *zap.Logger

	tauMin          float64
	tauStop         float64
	contactDeadline time.Duration
	acquireTimeout  time.Duration
	retryBackoff    time.Duration
	verifyBudget    time.Duration

	clock func() time.Time
}

// walkState accumulates the per-field winners and the outcome counters of
// one cascade walk.
type walkState struct {
	emailConf float64
	phoneConf float64
	bestConf  float64
	bestFrom  string

	called             int
	failures           int
	quotaSkipped       int
	unavailableSkipped int
	quotaStopped       bool

	nextSeq uint16
	charged decimal.Decimal
}

// accepted reports whether at least one field cleared the accept
// threshold. Fields are only merged when they did, so a set confidence is
// proof enough.
func (st *walkState) accepted() bool {
	return st.emailConf > 0 || st.phoneConf > 0
}

// merge keeps the best-confidence value per field. Strict comparison means
// an earlier provider wins ties.
func (st *walkState) merge(c *types.Contact, name string, res *provider.Result) {
	if res.Email != "" && res.Confidence > st.emailConf {
		c.Email = res.Email
		st.emailConf = res.Confidence
	}
	if res.Phone != "" && res.Confidence > st.phoneConf {
		c.Phone = res.Phone
		st.phoneConf = res.Confidence
	}
	if res.Confidence > st.bestConf {
		st.bestConf = res.Confidence
		st.bestFrom = name
	}
}

// process runs the full state machine for one contact and persists the
// result. Provider trouble never surfaces as an error; only storage and
// other internal failures do, and the worker handles those with one retry.
func (co *coordinator) process(jobCtx context.Context, owner string, contact *types.Contact) error {
	if contact.EnrichmentStatus.Terminal() {
		return nil
	}
	begin := time.Now()
	defer func() {
		co.metrics.ContactDuration.Observe(time.Since(begin).Seconds())
	}()

	ctx, cancel := context.WithTimeout(jobCtx, co.contactDeadline)
	defer cancel()

	seed := contact.Seed()
	key := cache.KeyFor(&seed)

	served, err := co.consultCache(owner, contact, key)
	if err != nil {
		return err
	}
	if served {
		if contact.EnrichmentStatus == types.StatusEnriched {
			co.postProcess(ctx, contact)
		}
		return co.finalize(owner, contact, cache.Key{})
	}

	if err := co.ledger.Precheck(owner, co.registry.MaxCost()); err != nil {
		if ledger.IsQuotaExceeded(err) {
			co.failQuota(owner, contact, err)
			return co.finalize(owner, contact, cache.Key{})
		}
		return err
	}

	st, err := co.walk(ctx, owner, contact)
	if err != nil {
		return err
	}
	co.metrics.CascadeDepth.Observe(float64(st.called))
	contact.CreditsConsumed = contact.CreditsConsumed.Add(st.charged)

	switch {
	case st.accepted():
		contact.EnrichmentStatus = types.StatusEnriched
		contact.EnrichmentProvider = st.bestFrom
		contact.EnrichmentScore = st.bestConf
	case jobCtx.Err() != nil:
		// Cancelled mid-walk with nothing bought. The contact stays
		// pending so a restart or resubmission can pick it up.
		return nil
	case st.quotaStopped, st.called == 0 && st.quotaSkipped > 0:
		co.failQuota(owner, contact, nil)
	case ctx.Err() != nil:
		// The contact deadline ran out mid-walk and nothing cleared the
		// accept threshold; the providers never concluded either way.
		contact.EnrichmentStatus = types.StatusNotFound
	case st.called > 0 && st.failures == st.called:
		contact.EnrichmentStatus = types.StatusFailed
		contact.FailureReason = types.FailureProviders
	case st.called == 0:
		// Every provider was skipped as unavailable.
		contact.EnrichmentStatus = types.StatusFailed
		contact.FailureReason = types.FailureProviders
	default:
		contact.EnrichmentStatus = types.StatusNotFound
	}

	if contact.EnrichmentStatus == types.StatusEnriched {
		co.postProcess(ctx, contact)
	}
	return co.finalize(owner, contact, key)
}

// consultCache tries both cache layers. A served contact comes back in a
// terminal state with its ledger row written; false means the cascade must
// run.
func (co *coordinator) consultCache(owner string, contact *types.Contact, key cache.Key) (bool, error) {
	hit, err := co.cache.Lookup(owner, key)
	if err != nil {
		return false, err
	}
	if hit == nil {
		co.metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false, nil
	}
	if hit.Source == types.SourceCacheGlobal && hit.Entry.Confidence < co.tauMin {
		co.metrics.CacheLookups.WithLabelValues("low_confidence").Inc()
		return false, nil
	}

	// Bill before handing out the data. A user duplicate is free; a global
	// hit costs the enrichment price, with the avoided provider cost noted
	// for the audit trail.
	var saved decimal.Decimal
	if hit.Source == types.SourceCacheGlobal {
		if h, ok := co.registry.Get(hit.Entry.SourceProvider); ok {
			saved = h.Cost()
		}
	}
	entry, err := co.ledger.ChargeCacheHit(owner, contact.ID, hit.Source, saved)
	if err != nil {
		if ledger.IsQuotaExceeded(err) {
			co.failQuota(owner, contact, err)
			return true, nil
		}
		return false, err
	}
	co.metrics.CacheLookups.WithLabelValues(hit.Source).Inc()

	contact.Email = hit.Entry.Email
	contact.Phone = hit.Entry.Phone
	contact.EnrichmentStatus = types.StatusEnriched
	contact.EnrichmentProvider = hit.Source
	contact.EnrichmentScore = hit.Entry.Confidence
	contact.CreditsConsumed = contact.CreditsConsumed.Add(entry.Cost)

	if hit.Source == types.SourceCacheGlobal {
		if err := co.cache.RecordUser(owner, hit.Entry.Fingerprint, contact.ID, co.clock()); err != nil {
			return false, err
		}
	}
	if err := co.cache.RecordHit(hit.Entry); err != nil {
		return false, err
	}
	co.log.Debug("contact served from cache",
		zap.String("contact", contact.ID.String()),
		zap.String("source", hit.Source),
		zap.String("cost", entry.Cost.String()))
	return true, nil
}

// walk consults providers in cost order until a result clears the stop
// threshold, the
// budget runs out or the list ends. Every concluded call leaves a
// ProviderResult row; rate-limit skips and open breakers do not.
func (co *coordinator) walk(ctx context.Context, owner string, contact *types.Contact) (*walkState, error) {
	st := &walkState{charged: decimal.Zero}
	normalized := normalizedSeed(contact)

	// A retried or resumed contact may already carry rows from an earlier
	// attempt; this walk appends after them instead of rewriting history.
	seq, err := store.NextProviderResultSeq(co.db, contact.ID)
	if err != nil {
		return nil, err
	}
	st.nextSeq = seq

	for _, h := range co.registry.Cascade() {
		if ctx.Err() != nil {
			break
		}
		allowed, err := co.ledger.ProviderAllowed(owner, h.Name(), h.Cost())
		if err != nil {
			return nil, err
		}
		if !allowed {
			st.quotaSkipped++
			co.log.Debug("provider over monthly cap", zap.String("provider", h.Name()), zap.String("user", owner))
			continue
		}
		if !h.Available() {
			st.unavailableSkipped++
			co.metrics.ProviderCalls.WithLabelValues(h.Name(), "circuit_open").Inc()
			continue
		}

		res, err := co.attempt(ctx, h, normalized)
		if isRateLimited(err) {
			// One jittered retry, then the next provider gets its turn.
			co.metrics.ProviderRetries.WithLabelValues(h.Name()).Inc()
			if !co.sleepJitter(ctx) {
				break
			}
			res, err = co.attempt(ctx, h, normalized)
			if isRateLimited(err) {
				co.metrics.ProviderCalls.WithLabelValues(h.Name(), "rate_limited").Inc()
				co.log.Debug("provider rate limited, skipping", zap.String("provider", h.Name()))
				continue
			}
		}
		if err != nil {
			if _, concluded := provider.Failure(err); !concluded {
				// The contact budget or the job ended mid-call; there is
				// no verdict to record.
				break
			}
		}

		st.called++
		row := &types.ProviderResult{
			ContactID: contact.ID,
			Seq:       st.nextSeq,
			Provider:  h.Name(),
			CreatedAt: co.clock(),
		}
		st.nextSeq++

		switch {
		case err == nil && res.HasData():
			row.Email, row.Phone = res.Email, res.Phone
			row.Confidence = res.Confidence
			row.RawPayload = res.Raw
			co.metrics.ProviderCalls.WithLabelValues(h.Name(), "hit").Inc()
		case provider.IsNotFound(err), err == nil:
			row.NotFound = true
			co.metrics.ProviderCalls.WithLabelValues(h.Name(), "not_found").Inc()
		default:
			kind, _ := provider.Failure(err)
			row.Failure = string(kind)
			st.failures++
			co.metrics.ProviderCalls.WithLabelValues(h.Name(), string(kind)).Inc()
			co.log.Debug("provider call failed",
				zap.String("provider", h.Name()),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
		if err := store.WriteProviderResult(co.db, row); err != nil {
			return nil, err
		}
		if row.Failure != "" || row.NotFound {
			continue
		}
		if res.Confidence < co.tauMin {
			// Recorded for the audit trail, not usable and not billed.
			continue
		}

		charge, err := co.ledger.Charge(owner, ledger.ChargeRequest{
			ContactID: contact.ID,
			Provider:  h.Name(),
			Operation: types.OpEnrichment,
			Cost:      h.Cost(),
		})
		if err != nil {
			if ledger.IsQuotaExceeded(err) {
				// The result row stays for audit; the fields are not
				// merged because they were never paid for.
				st.quotaStopped = true
				co.log.Debug("charge rejected mid-walk", zap.String("provider", h.Name()), zap.Error(err))
				break
			}
			return nil, err
		}
		st.charged = st.charged.Add(charge.Cost)
		co.metrics.CreditsSpent.WithLabelValues(h.Name()).Add(charge.Cost.InexactFloat64())
		st.merge(contact, h.Name(), res)

		if res.Confidence >= co.tauStop {
			break
		}
	}
	return st, nil
}

// attempt acquires a rate token and performs one provider lookup. Token
// acquisition waits at most acquireTimeout so an exhausted bucket reads as
// rate_limited instead of eating the contact deadline.
func (co *coordinator) attempt(ctx context.Context, h *provider.Handle, nc *provider.NormalizedContact) (*provider.Result, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, co.acquireTimeout)
	err := h.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := h.Lookup(ctx, nc)
	co.metrics.ProviderLatency.WithLabelValues(h.Name()).Observe(time.Since(start).Seconds())
	return res, err
}

// postProcess runs verification and scoring on whatever the cascade (or
// the cache) produced. Verification gets its own budget: the contact
// deadline may already be spent by the walk.
func (co *coordinator) postProcess(ctx context.Context, contact *types.Contact) {
	if contact.Email != "" {
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), co.verifyBudget)
		rep := co.verifier.Verify(vctx, contact.Email)
		cancel()
		contact.EmailVerified = rep.Verified
		contact.EmailVerificationScore = rep.Score
		contact.EmailVerificationLevel = rep.Level
		contact.IsDisposable = rep.Disposable
		contact.IsRoleBased = rep.RoleBased
		contact.IsCatchall = rep.CatchAll
		co.metrics.EmailScore.Observe(rep.Score)
	}
	if contact.Phone != "" {
		rep := verify.VerifyPhone(contact.Phone, verify.RegionHint(contact.CompanyDomain, contact.Location))
		contact.PhoneVerified = rep.Verified
		contact.PhoneType = types.PhoneType(rep.Type)
		if rep.Verified {
			contact.Phone = rep.E164
			contact.PhoneCountry = rep.Region
		}
	}
	contact.LeadScore = LeadScore(contact)
	contact.EmailReliability = EmailReliability(contact)
}

// finalize persists the contact and, for a fresh provider enrichment,
// feeds the caches. Cache-served and failed contacts pass an empty key.
func (co *coordinator) finalize(owner string, contact *types.Contact, key cache.Key) error {
	now := co.clock()
	contact.UpdatedAt = now
	if contact.EnrichmentStatus == types.StatusEnriched && !key.Empty() {
		entry := &types.CacheEntry{
			Email:          contact.Email,
			Phone:          contact.Phone,
			Confidence:     contact.EnrichmentScore,
			SourceProvider: contact.EnrichmentProvider,
			LastRefreshed:  now,
		}
		if err := co.cache.Insert(owner, key, contact.ID, entry); err != nil {
			return err
		}
	}
	if err := store.WriteContact(co.db, contact); err != nil {
		return err
	}
	co.metrics.ContactsProcessed.WithLabelValues(string(contact.EnrichmentStatus)).Inc()
	return nil
}

func (co *coordinator) failQuota(owner string, contact *types.Contact, err error) {
	contact.EnrichmentStatus = types.StatusFailed
	contact.FailureReason = types.FailureQuotaExceeded
	kind := "unknown"
	var qe *ledger.QuotaError
	if errors.As(err, &qe) {
		kind = string(qe.Kind)
	}
	co.metrics.QuotaRejections.WithLabelValues(kind).Inc()
	co.log.Debug("contact rejected on quota",
		zap.String("contact", contact.ID.String()),
		zap.String("user", owner),
		zap.String("kind", kind))
}

// sleepJitter pauses 0.5–1.5× the retry backoff, honoring cancellation.
func (co *coordinator) sleepJitter(ctx context.Context) bool {
	d := co.retryBackoff/2 + time.Duration(rand.Int63n(int64(co.retryBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func isRateLimited(err error) bool {
	kind, ok := provider.Failure(err)
	return ok && kind == provider.FailRateLimited
}

// normalizedSeed folds the contact identity for the adapters. Company keeps
// its legal suffix here; only the cache fingerprint strips it.
func normalizedSeed(c *types.Contact) *provider.NormalizedContact {
	nc := &provider.NormalizedContact{
		FirstName:     cache.NormalizeName(c.FirstName),
		LastName:      cache.NormalizeName(c.LastName),
		Company:       cache.NormalizeName(c.Company),
		CompanyDomain: strings.ToLower(c.CompanyDomain),
		Position:      c.Position,
		Location:      c.Location,
	}
	if canon, ok := cache.CanonicalProfileURL(c.ProfileURL); ok {
		nc.ProfileURL = canon
	}
	return nc
}
