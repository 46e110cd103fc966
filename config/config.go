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

// Package config holds the TOML configuration tree of a cascaded node and
// the builders that turn it into engine components. A file only carries
// the values it changes; everything else comes from DefaultConfig.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/captely/cascade/cache"
	"github.com/captely/cascade/core"
	"github.com/captely/cascade/ledger"
	"github.com/captely/cascade/provider"
	"github.com/captely/cascade/verify"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config is the full configuration of a node. Decimal-valued settings are
// TOML strings ("0.10") so that prices and quotas survive decoding exactly.
type Config struct {
	// DataDir is the root of the LevelDB store. Usually set by the CLI.
	DataDir string `toml:"datadir"`

	Cascade      CascadeConfig             `toml:"cascade"`
	Provider     map[string]ProviderConfig `toml:"provider"`
	Breaker      BreakerConfig             `toml:"breaker"`
	Verification VerifyConfig              `toml:"verification"`
	Cache        CacheConfig               `toml:"cache"`
	Worker       WorkerConfig              `toml:"worker"`
	Quota        QuotaConfig               `toml:"quota"`
	Billing      BillingConfig             `toml:"billing"`
	Store        StoreConfig               `toml:"store"`
	Redis        RedisConfig               `toml:"redis"`
	Server       ServerConfig              `toml:"server"`
	Log          LogConfig                 `toml:"log"`
}

// CascadeConfig orders the provider walk and shapes its thresholds.
type CascadeConfig struct {
	// Order lists provider names cheapest first. Validate rejects an
	// order whose configured costs are not ascending.
	Order []string `toml:"order"`

	TauMin  float64 `toml:"tau_min"`
	TauStop float64 `toml:"tau_stop"`

	ContactDeadlineSeconds int `toml:"contact_deadline_seconds"`
	AcquireTimeoutSeconds  int `toml:"acquire_timeout_seconds"`
	RetryBackoffMillis     int `toml:"retry_backoff_ms"`
	VerifyBudgetSeconds    int `toml:"verify_budget_seconds"`

	// Partitions is the number of processes sharing the provider
	// accounts; every rate bucket shrinks to its share.
	Partitions int `toml:"partitions"`
}

// ProviderConfig tunes one adapter. A partial [provider.X] block replaces
// the whole map entry during decoding, so Load restores unset fields from
// the builtin block afterwards.
type ProviderConfig struct {
	// APIKey falls back to CASCADE_<NAME>_API_KEY when empty.
	APIKey             string          `toml:"api_key"`
	BaseURL            string          `toml:"base_url"`
	Cost               decimal.Decimal `toml:"cost"`
	MaxPerMinute       int             `toml:"max_per_minute"`
	Burst              int             `toml:"burst"`
	CallTimeoutSeconds int             `toml:"call_timeout_seconds"`
	MaxRetries         int             `toml:"max_retries"`
}

// BreakerConfig shapes the per-provider circuit breakers.
type BreakerConfig struct {
	Threshold       uint32 `toml:"threshold"`
	WindowSeconds   int    `toml:"window_seconds"`
	CooldownSeconds int    `toml:"cooldown_seconds"`
}

// VerifyConfig controls email verification depth.
type VerifyConfig struct {
	SMTPEnabled    bool   `toml:"smtp_enabled"`
	SMTPProbeFrom  string `toml:"smtp_probe_from"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// CacheConfig tunes the enrichment cache. StalenessDays zero keeps global
// entries forever.
type CacheConfig struct {
	StalenessDays  int `toml:"staleness_days"`
	FrontCacheSize int `toml:"front_cache_size"`
}

// WorkerConfig sizes the pool. PoolSize zero selects 4x the CPU count.
type WorkerConfig struct {
	PoolSize               int `toml:"pool_size"`
	QueueCapacity          int `toml:"queue_capacity"`
	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`
}

// QuotaConfig supplies the ceilings used when a subscription does not
// carry its own. Zero means unlimited.
type QuotaConfig struct {
	DailyDefault            decimal.Decimal `toml:"daily_default"`
	MonthlyDefault          decimal.Decimal `toml:"monthly_default"`
	PerProviderMonthDefault decimal.Decimal `toml:"per_provider_month_default"`
	UnitPriceDefault        decimal.Decimal `toml:"unit_price_default"`
	LowCreditThreshold      decimal.Decimal `toml:"low_credit_threshold"`
}

// BillingConfig is the static billing boundary: named plans plus a
// user-to-plan assignment. Deployments with a billing service implement
// ledger.BillingSource against it instead and leave this empty.
type BillingConfig struct {
	// DefaultPlan applies to users without an explicit assignment; empty
	// means such users run on the quota defaults.
	DefaultPlan string                `toml:"default_plan"`
	Plans       map[string]PlanConfig `toml:"plans"`
	Users       map[string]string     `toml:"users"`
}

// PlanConfig is one subscription tier.
type PlanConfig struct {
	DailyQuota         decimal.Decimal            `toml:"daily_quota"`
	MonthlyQuota       decimal.Decimal            `toml:"monthly_quota"`
	PerProviderMonth   map[string]decimal.Decimal `toml:"per_provider_month"`
	PricePerEnrichment decimal.Decimal            `toml:"price_per_enrichment"`
}

// StoreConfig tunes the LevelDB instance.
type StoreConfig struct {
	CacheMB int `toml:"cache_mb"`
	Handles int `toml:"handles"`
}

// RedisConfig enables the advisory quota snapshot when Addr is set.
type RedisConfig struct {
	Addr               string `toml:"addr"`
	Password           string `toml:"password"`
	DB                 int    `toml:"db"`
	SnapshotTTLSeconds int    `toml:"snapshot_ttl_seconds"`
}

// ServerConfig shapes the HTTP listener.
type ServerConfig struct {
	Listen              string `toml:"listen"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `toml:"idle_timeout_seconds"`
}

// LogConfig shapes zap output. An empty File logs to stderr; otherwise
// the file is size-rotated.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// DefaultConfig returns the settings of a node run without a file.
func DefaultConfig() *Config {
	return &Config{
		Cascade: CascadeConfig{
			Order:                  []string{"icypeas", "dropcontact", "hunter", "apollo"},
			TauMin:                 0.70,
			TauStop:                0.90,
			ContactDeadlineSeconds: 45,
			AcquireTimeoutSeconds:  2,
			RetryBackoffMillis:     500,
			VerifyBudgetSeconds:    15,
			Partitions:             1,
		},
		Provider: builtinProviders(),
		Breaker: BreakerConfig{
			Threshold:       5,
			WindowSeconds:   30,
			CooldownSeconds: 60,
		},
		Verification: VerifyConfig{
			SMTPEnabled:    true,
			SMTPProbeFrom:  "verify@captely.com",
			TimeoutSeconds: 5,
		},
		Cache: CacheConfig{
			FrontCacheSize: 4096,
		},
		Worker: WorkerConfig{
			QueueCapacity:          1024,
			ShutdownTimeoutSeconds: 10,
		},
		Quota: QuotaConfig{
			UnitPriceDefault:   decimal.NewFromInt(1),
			LowCreditThreshold: decimal.NewFromInt(10),
		},
		Billing: BillingConfig{
			Plans: make(map[string]PlanConfig),
			Users: make(map[string]string),
		},
		Store: StoreConfig{
			CacheMB: 16,
			Handles: 16,
		},
		Redis: RedisConfig{
			SnapshotTTLSeconds: 30,
		},
		Server: ServerConfig{
			Listen:              ":8645",
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  120,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func builtinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"icypeas":     {Cost: decimal.RequireFromString("0.10"), MaxPerMinute: 60, Burst: 10, CallTimeoutSeconds: 10, MaxRetries: 3},
		"dropcontact": {Cost: decimal.RequireFromString("0.20"), MaxPerMinute: 30, Burst: 5, CallTimeoutSeconds: 10, MaxRetries: 3},
		"hunter":      {Cost: decimal.RequireFromString("0.30"), MaxPerMinute: 60, Burst: 10, CallTimeoutSeconds: 10, MaxRetries: 3},
		"apollo":      {Cost: decimal.RequireFromString("0.40"), MaxPerMinute: 120, Burst: 20, CallTimeoutSeconds: 10, MaxRetries: 3},
	}
}

// adapterFactories maps provider names to constructors. Walk order comes
// from cascade.order, not from this map.
var adapterFactories = map[string]func(provider.Settings) provider.Adapter{
	"icypeas":     func(s provider.Settings) provider.Adapter { return provider.NewIcypeas(s) },
	"dropcontact": func(s provider.Settings) provider.Adapter { return provider.NewDropcontact(s) },
	"hunter":      func(s provider.Settings) provider.Adapter { return provider.NewHunter(s) },
	"apollo":      func(s provider.Settings) provider.Adapter { return provider.NewApollo(s) },
}

// Validate checks the tree for contradictions a running node could not
// recover from. It does not touch the network.
func (c *Config) Validate() error {
	if c.Cascade.TauMin <= 0 || c.Cascade.TauMin > 1 {
		return fmt.Errorf("cascade.tau_min %v outside (0,1]", c.Cascade.TauMin)
	}
	if c.Cascade.TauStop < c.Cascade.TauMin || c.Cascade.TauStop > 1 {
		return fmt.Errorf("cascade.tau_stop %v outside [tau_min,1]", c.Cascade.TauStop)
	}
	if len(c.Cascade.Order) == 0 {
		return fmt.Errorf("cascade.order is empty")
	}
	seen := make(map[string]bool, len(c.Cascade.Order))
	prev := decimal.Zero
	prevName := ""
	for _, name := range c.Cascade.Order {
		if seen[name] {
			return fmt.Errorf("provider %q listed twice in cascade.order", name)
		}
		seen[name] = true
		if _, ok := adapterFactories[name]; !ok {
			return fmt.Errorf("unknown provider %q in cascade.order", name)
		}
		pc := c.Provider[name]
		if pc.Cost.IsNegative() {
			return fmt.Errorf("provider.%s.cost is negative", name)
		}
		if pc.Cost.LessThan(prev) {
			return fmt.Errorf("cascade.order not in ascending cost: %s (%s) follows %s (%s)",
				name, pc.Cost, prevName, prev)
		}
		prev, prevName = pc.Cost, name
	}
	for name := range c.Provider {
		if _, ok := adapterFactories[name]; !ok {
			return fmt.Errorf("config block [provider.%s] does not match a known provider", name)
		}
	}
	if c.Cascade.Partitions < 0 {
		return fmt.Errorf("cascade.partitions is negative")
	}
	if c.Worker.PoolSize < 0 || c.Worker.QueueCapacity < 0 {
		return fmt.Errorf("worker pool_size and queue_capacity must not be negative")
	}
	if c.Cache.StalenessDays < 0 {
		return fmt.Errorf("cache.staleness_days is negative")
	}
	for _, q := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"quota.daily_default", c.Quota.DailyDefault},
		{"quota.monthly_default", c.Quota.MonthlyDefault},
		{"quota.per_provider_month_default", c.Quota.PerProviderMonthDefault},
		{"quota.unit_price_default", c.Quota.UnitPriceDefault},
		{"quota.low_credit_threshold", c.Quota.LowCreditThreshold},
	} {
		if q.value.IsNegative() {
			return fmt.Errorf("%s is negative", q.name)
		}
	}
	if err := c.Billing.validate(); err != nil {
		return err
	}
	if c.Verification.SMTPEnabled && !strings.Contains(c.Verification.SMTPProbeFrom, "@") {
		return fmt.Errorf("verification.smtp_probe_from %q is not an address", c.Verification.SMTPProbeFrom)
	}
	return nil
}

func (b *BillingConfig) validate() error {
	if b.DefaultPlan != "" {
		if _, ok := b.Plans[b.DefaultPlan]; !ok {
			return fmt.Errorf("billing.default_plan %q has no [billing.plans.%s] block", b.DefaultPlan, b.DefaultPlan)
		}
	}
	for user, plan := range b.Users {
		if _, ok := b.Plans[plan]; !ok {
			return fmt.Errorf("user %q assigned to unknown plan %q", user, plan)
		}
	}
	for name, plan := range b.Plans {
		for _, q := range []decimal.Decimal{plan.DailyQuota, plan.MonthlyQuota, plan.PricePerEnrichment} {
			if q.IsNegative() {
				return fmt.Errorf("plan %q carries a negative quota or price", name)
			}
		}
		for prov, q := range plan.PerProviderMonth {
			if q.IsNegative() {
				return fmt.Errorf("plan %q carries a negative cap for provider %q", name, prov)
			}
		}
	}
	return nil
}

// BuildRegistry assembles the provider registry in cascade order.
func (c *Config) BuildRegistry(logger *zap.Logger) (*provider.Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := provider.NewLimiter(c.Cascade.Partitions)
	breakers := provider.NewBreakers(provider.BreakerSettings{
		Threshold: c.Breaker.Threshold,
		Window:    seconds(c.Breaker.WindowSeconds),
		Cooldown:  seconds(c.Breaker.CooldownSeconds),
	}, logger.Named("breaker"))
	reg := provider.NewRegistry(limiter, breakers)

	for _, name := range c.Cascade.Order {
		pc := c.Provider[name]
		settings := provider.Settings{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			Cost:         pc.Cost,
			MaxPerMinute: pc.MaxPerMinute,
			Burst:        pc.Burst,
			CallTimeout:  seconds(pc.CallTimeoutSeconds),
			MaxRetries:   pc.MaxRetries,
		}
		if settings.APIKey == "" {
			settings.APIKey = os.Getenv(apiKeyEnv(name))
		}
		factory, ok := adapterFactories[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q in cascade.order", name)
		}
		if err := reg.Add(factory(settings), settings.MaxRetries); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// apiKeyEnv is the environment variable consulted when the file carries
// no key: CASCADE_ICYPEAS_API_KEY for icypeas.
func apiKeyEnv(name string) string {
	return "CASCADE_" + strings.ToUpper(name) + "_API_KEY"
}

// EngineConfig maps the tree onto the engine settings. The clock and the
// metrics registry stay unset so that core.New picks its defaults.
func (c *Config) EngineConfig(logger *zap.Logger) core.Config {
	cfg := core.Config{
		TauMin:          c.Cascade.TauMin,
		TauStop:         c.Cascade.TauStop,
		ContactDeadline: seconds(c.Cascade.ContactDeadlineSeconds),
		AcquireTimeout:  seconds(c.Cascade.AcquireTimeoutSeconds),
		RetryBackoff:    time.Duration(c.Cascade.RetryBackoffMillis) * time.Millisecond,
		VerifyBudget:    seconds(c.Cascade.VerifyBudgetSeconds),
		PoolSize:        c.Worker.PoolSize,
		QueueCapacity:   c.Worker.QueueCapacity,
		ShutdownTimeout: seconds(c.Worker.ShutdownTimeoutSeconds),
		Ledger: ledger.Config{
			DailyDefault:         c.Quota.DailyDefault,
			MonthlyDefault:       c.Quota.MonthlyDefault,
			ProviderMonthDefault: c.Quota.PerProviderMonthDefault,
			UnitPriceDefault:     c.Quota.UnitPriceDefault,
			LowCreditThreshold:   c.Quota.LowCreditThreshold,
		},
		Cache: cache.Config{
			FrontCacheSize: c.Cache.FrontCacheSize,
			Staleness:      time.Duration(c.Cache.StalenessDays) * 24 * time.Hour,
		},
		Verify: verify.Config{
			SMTPEnabled: c.Verification.SMTPEnabled,
			ProbeFrom:   c.Verification.SMTPProbeFrom,
			Timeout:     seconds(c.Verification.TimeoutSeconds),
		},
		Logger: logger,
	}
	if c.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		var slog *zap.Logger
		if logger != nil {
			slog = logger.Named("snapshot")
		}
		cfg.Ledger.Snapshot = ledger.NewSnapshot(client, seconds(c.Redis.SnapshotTTLSeconds), slog)
	}
	return cfg
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
