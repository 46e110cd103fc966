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

// Package core drives the enrichment engine: it owns the worker pool, the
// per-contact cascade, job lifecycle and the event feeds, on top of the
// ledger, cache, provider and verification packages. One Engine instance
// holds all shared state; there are no process globals.
package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/captely/cascade/cache"
	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/captely/cascade/ledger"
	"github.com/captely/cascade/metrics"
	"github.com/captely/cascade/provider"
	"github.com/captely/cascade/store"
	"github.com/captely/cascade/verify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxPoolSize caps the worker pool regardless of configuration; the
// cascade is network bound and more workers only pile onto the rate
// limiters.
const maxPoolSize = 64

// Config collects the engine settings. The zero value works for tests;
// production deployments populate it from the TOML tree.
type Config struct {
	// TauMin is the confidence below which a provider result is unusable.
	TauMin float64
	// TauStop is the confidence at which the cascade stops early.
	TauStop float64
	// ContactDeadline bounds the total provider time of one contact.
	ContactDeadline time.Duration
	// AcquireTimeout bounds one rate-limiter token wait.
	AcquireTimeout time.Duration
	// RetryBackoff is the base pause before the single rate-limit retry.
	RetryBackoff time.Duration
	// VerifyBudget bounds the post-cascade verification of one contact.
	VerifyBudget time.Duration

	// PoolSize is the number of workers, default 4×GOMAXPROCS capped at 64.
	PoolSize int
	// QueueCapacity bounds the shared work queue; submitters block beyond it.
	QueueCapacity int
	// ShutdownTimeout bounds how long Stop waits for in-flight contacts.
	ShutdownTimeout time.Duration

	Ledger ledger.Config
	Cache  cache.Config
	Verify verify.Config

	Metrics *metrics.Metrics
	Clock   func() time.Time
	Logger  *zap.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.TauMin <= 0 {
		cfg.TauMin = 0.70
	}
	if cfg.TauStop <= 0 {
		cfg.TauStop = 0.90
	}
	if cfg.ContactDeadline <= 0 {
		cfg.ContactDeadline = 45 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.VerifyBudget <= 0 {
		cfg.VerifyBudget = 15 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4 * runtime.GOMAXPROCS(0)
	}
	if cfg.PoolSize > maxPoolSize {
		cfg.PoolSize = maxPoolSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Engine is the enrichment engine. Construct with New, run with Start,
// wind down with Stop.
type Engine struct {
	cfg      Config
	db       kvdb.Database
	ledger   *ledger.Ledger
	cache    *cache.Cache
	registry *provider.Registry
	verifier *verify.Verifier
	coord    *coordinator
	metrics  *metrics.Metrics
	log      *zap.Logger
	clock    func() time.Time

	progressFeed  feed[types.JobProgressEvent]
	completedFeed feed[types.JobCompletedEvent]
	lowCreditFeed feed[types.LowCreditEvent]

	runsMu sync.Mutex
	runs   map[uuid.UUID]*jobRun

	workCh     chan workItem
	rootCtx    context.Context
	rootCancel context.CancelFunc
	producerWg sync.WaitGroup
	workerWg   sync.WaitGroup
	quit       chan struct{}

	lifeMu  sync.Mutex
	started bool
	stopped bool
}

// New builds the engine object graph on top of an opened database and a
// populated provider registry. The billing source supplies subscriptions
// for quota ceilings and unit prices.
func New(db kvdb.Database, registry *provider.Registry, billing ledger.BillingSource, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.TauStop < cfg.TauMin {
		return nil, fmt.Errorf("tau_stop %.2f below tau_min %.2f", cfg.TauStop, cfg.TauMin)
	}
	switch v, err := store.ReadSchemaVersion(db); {
	case err != nil:
		return nil, err
	case v == 0:
		if err := store.WriteSchemaVersion(db, store.SchemaVersion); err != nil {
			return nil, err
		}
	case v != store.SchemaVersion:
		return nil, fmt.Errorf("store schema v%d is not supported (want v%d)", v, store.SchemaVersion)
	}

	e := &Engine{
		cfg:      cfg,
		db:       db,
		registry: registry,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		runs:     make(map[uuid.UUID]*jobRun),
		workCh:   make(chan workItem, cfg.QueueCapacity),
		quit:     make(chan struct{}),
	}
	e.rootCtx, e.rootCancel = context.WithCancel(context.Background())

	// Sub-configs inherit the engine clock and logger unless overridden.
	lcfg := cfg.Ledger
	if lcfg.Clock == nil {
		lcfg.Clock = cfg.Clock
	}
	if lcfg.Logger == nil {
		lcfg.Logger = cfg.Logger.Named("ledger")
	}
	prevLow := lcfg.OnLowCredit
	lcfg.OnLowCredit = func(user string, remaining decimal.Decimal) {
		if prevLow != nil {
			prevLow(user, remaining)
		}
		e.lowCreditFeed.Send(types.LowCreditEvent{UserID: user, Remaining: remaining})
	}
	e.ledger = ledger.New(db, billing, lcfg)

	ccfg := cfg.Cache
	if ccfg.Clock == nil {
		ccfg.Clock = cfg.Clock
	}
	if ccfg.Logger == nil {
		ccfg.Logger = cfg.Logger.Named("cache")
	}
	var err error
	if e.cache, err = cache.New(db, ccfg); err != nil {
		return nil, err
	}

	vcfg := cfg.Verify
	if vcfg.Logger == nil {
		vcfg.Logger = cfg.Logger.Named("verify")
	}
	e.verifier = verify.NewVerifier(vcfg)

	e.coord = &coordinator{
		db:              db,
		ledger:          e.ledger,
		cache:           e.cache,
		registry:        registry,
		verifier:        e.verifier,
		metrics:         e.metrics,
		log:             cfg.Logger.Named("cascade"),
		tauMin:          cfg.TauMin,
		tauStop:         cfg.TauStop,
		contactDeadline: cfg.ContactDeadline,
		acquireTimeout:  cfg.AcquireTimeout,
		retryBackoff:    cfg.RetryBackoff,
		verifyBudget:    cfg.VerifyBudget,
		clock:           cfg.Clock,
	}
	return e, nil
}

// Start launches the worker pool and the resume scan. Starting twice is a
// no-op; starting after Stop is an error.
func (e *Engine) Start() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return nil
	}
	e.started = true

	for i := 0; i < e.cfg.PoolSize; i++ {
		e.workerWg.Add(1)
		go e.workerLoop(i)
	}
	e.producerWg.Add(1)
	go e.resumeJobs()

	e.log.Info("engine started",
		zap.Int("workers", e.cfg.PoolSize),
		zap.Int("queue", e.cfg.QueueCapacity),
		zap.Int("providers", len(e.registry.Cascade())))
	return nil
}

// Stop winds the engine down: producers and workers exit, in-flight
// contacts get to finish their current provider call, everything else
// stays persisted for the next Start's resume scan.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.lifeMu.Unlock()

	close(e.quit)
	e.rootCancel()
	if !started {
		return nil
	}
	e.producerWg.Wait()

	done := make(chan struct{})
	go func() {
		e.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("engine stopped")
		return nil
	case <-time.After(e.cfg.ShutdownTimeout):
		return fmt.Errorf("engine shutdown timed out after %s", e.cfg.ShutdownTimeout)
	}
}

// SubscribeProgress streams per-contact completion events. The channel
// needs buffer space; deliveries to a full channel are dropped.
func (e *Engine) SubscribeProgress(ch chan<- types.JobProgressEvent) Subscription {
	return e.progressFeed.Subscribe(ch)
}

// SubscribeCompleted streams job completion events.
func (e *Engine) SubscribeCompleted(ch chan<- types.JobCompletedEvent) Subscription {
	return e.completedFeed.Subscribe(ch)
}

// SubscribeLowCredit streams low-credit warnings, one per crossing.
func (e *Engine) SubscribeLowCredit(ch chan<- types.LowCreditEvent) Subscription {
	return e.lowCreditFeed.Subscribe(ch)
}

// Balance returns the user's credit balance.
func (e *Engine) Balance(user string) (*types.Balance, error) {
	return e.ledger.Balance(user)
}

// Quotas returns the user's consumption against its ceilings.
func (e *Engine) Quotas(user string) (*types.QuotaState, error) {
	return e.ledger.Quotas(user)
}

// TopUp grants credits to a user.
func (e *Engine) TopUp(user string, amount decimal.Decimal) (*types.LedgerEntry, error) {
	return e.ledger.TopUp(user, amount)
}

// LedgerEntries pages through a user's ledger, oldest first.
func (e *Engine) LedgerEntries(user string, fromSeq uint64, limit int) ([]*types.LedgerEntry, error) {
	return e.ledger.Entries(user, fromSeq, limit)
}

// Metrics exposes the engine's collector set, usually to mount its HTTP
// handler.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}
