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

// Package metrics exposes the engine's Prometheus collectors. Every
// instance owns its registry, so parallel engines (and tests) never trip
// over duplicate registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cascade"

// Metrics bundles all collectors. Fields are used directly at call sites.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	JobsActive    prometheus.Gauge

	ContactsProcessed *prometheus.CounterVec
	ContactDuration   prometheus.Histogram
	CascadeDepth      prometheus.Histogram

	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	ProviderRetries *prometheus.CounterVec

	CacheLookups *prometheus.CounterVec

	CreditsSpent    *prometheus.CounterVec
	QuotaRejections *prometheus.CounterVec

	EmailScore  prometheus.Histogram
	WorkersBusy prometheus.Gauge
}

// New builds a metric set on a fresh registry, runtime collectors included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Enrichment jobs accepted for processing.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs that reached a terminal status. Broken down by status.",
		}, []string{"status"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently queued or processing.",
		}),

		ContactsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contacts",
			Name:      "processed_total",
			Help:      "Contacts finished. Broken down by outcome.",
		}, []string{"outcome"}),
		ContactDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "contacts",
			Name:      "duration_seconds",
			Help:      "Wall time spent on one contact, cascade and verification included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		}),
		CascadeDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "contacts",
			Name:      "cascade_depth",
			Help:      "Providers attempted before the cascade stopped.",
			Buckets:   prometheus.LinearBuckets(1, 1, 6),
		}),

		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Upstream lookups. Broken down by provider and result.",
		}, []string{"provider", "result"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "Upstream call latency. Broken down by provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		ProviderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Transient-failure retries. Broken down by provider.",
		}, []string{"provider"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache consultations. Broken down by result.",
		}, []string{"result"}),

		CreditsSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_spent_total",
			Help:      "Credits charged. Broken down by provider.",
		}, []string{"provider"}),
		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "quota_rejections_total",
			Help:      "Charges refused. Broken down by exhausted quota kind.",
		}, []string{"kind"}),

		EmailScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "email_score",
			Help:      "Composite email verification scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "busy",
			Help:      "Workers currently enriching a contact.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsSubmitted, m.JobsFinished, m.JobsActive,
		m.ContactsProcessed, m.ContactDuration, m.CascadeDepth,
		m.ProviderCalls, m.ProviderLatency, m.ProviderRetries,
		m.CacheLookups,
		m.CreditsSpent, m.QuotaRejections,
		m.EmailScore, m.WorkersBusy,
	)
	return m
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
