// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	nodeDuration   *prometheus.HistogramVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	poolExhaustion *prometheus.CounterVec
	revisions      prometheus.Counter
}

// NewMetrics registers the engine's instruments on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Completed pipeline runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "End-to-end pipeline run duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_node_duration_seconds",
			Help:    "Per-agent node call duration, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_hits_total",
			Help: "Result cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_misses_total",
			Help: "Result cache misses.",
		}),
		poolExhaustion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_pool_exhaustion_total",
			Help: "Temporary clients fabricated on pool exhaustion, by role.",
		}, []string{"role"}),
		revisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_revisions_total",
			Help: "Audit-driven design revisions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.runsTotal, m.runDuration, m.nodeDuration,
			m.cacheHits, m.cacheMisses, m.poolExhaustion, m.revisions)
	}
	return m
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status Status, d time.Duration) {
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(d.Seconds())
}

// ObserveNode records one agent node execution.
func (m *Metrics) ObserveNode(agent string, d time.Duration) {
	m.nodeDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// ObserveCache records a cache lookup outcome.
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObservePoolExhaustion records a temporary-client fallback.
func (m *Metrics) ObservePoolExhaustion(role Role) {
	m.poolExhaustion.WithLabelValues(string(role)).Inc()
}

// ObserveRevision records one audit-driven revision.
func (m *Metrics) ObserveRevision() {
	m.revisions.Inc()
}
