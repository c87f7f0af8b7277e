// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
	"time"

	"archpilot/platform/cachestore"
	"archpilot/platform/shared/logger"
)

// DefaultCacheTTL is the default lifetime of a cached result bundle.
const DefaultCacheTTL = 24 * time.Hour

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Errors  uint64 `json:"errors"`
	Enabled bool   `json:"enabled"`
}

// ResultCache maps request fingerprints to completed result bundles.
// The backend is best-effort: any backend failure degrades to a miss
// and is counted, never surfaced to the pipeline.
type ResultCache struct {
	store   cachestore.Store
	log     *logger.Logger
	metrics *Metrics
	ttl     time.Duration

	mu     sync.Mutex
	hits   uint64
	misses uint64
	errors uint64
}

// NewResultCache wraps a store. A nil store yields a disabled cache
// that always misses.
func NewResultCache(store cachestore.Store, ttl time.Duration, log *logger.Logger, metrics *Metrics) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = logger.New("cache")
	}
	return &ResultCache{store: store, log: log, metrics: metrics, ttl: ttl}
}

// Lookup returns the cached bundle for a fingerprint. Expired and
// corrupt entries read as misses; expiry itself is evaluated lazily by
// the backing store on read.
func (c *ResultCache) Lookup(ctx context.Context, fingerprint string) (*ResultBundle, bool) {
	if c.store == nil {
		c.count(false, false)
		return nil, false
	}

	data, found, err := c.store.Get(ctx, cacheKey(fingerprint))
	if err != nil {
		c.log.Warn("", "cache lookup failed, treating as miss", map[string]interface{}{
			"kind":  string(KindCacheUnavailable),
			"error": err.Error(),
		})
		c.count(false, true)
		return nil, false
	}
	if !found {
		c.count(false, false)
		return nil, false
	}

	bundle, err := UnmarshalBundle(data)
	if err != nil {
		c.log.Warn("", "cache entry corrupt, treating as miss", map[string]interface{}{
			"error": err.Error(),
		})
		_ = c.store.Delete(ctx, cacheKey(fingerprint))
		c.count(false, true)
		return nil, false
	}

	c.count(true, false)
	return bundle, true
}

// Store writes a bundle under its fingerprint with the cache TTL.
// Best-effort.
func (c *ResultCache) Store(ctx context.Context, fingerprint string, bundle *ResultBundle) {
	if c.store == nil {
		return
	}

	data, err := MarshalBundle(bundle)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, cacheKey(fingerprint), data, c.ttl); err != nil {
		c.log.Warn("", "cache store failed", map[string]interface{}{
			"kind":  string(KindCacheUnavailable),
			"error": err.Error(),
		})
	}
}

// ShouldCache filters bundles worth keeping: only fully completed runs
// with substantive design output. Clarification short-circuits and
// error outcomes are never cached.
func (c *ResultCache) ShouldCache(bundle *ResultBundle) bool {
	if bundle == nil || bundle.Status != StatusComplete || bundle.ClarificationNeeded {
		return false
	}
	return bundle.Fields[FieldDesign] != "" && bundle.Fields[FieldRecommendation] != ""
}

// Stats returns the current counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Errors:  c.errors,
		Enabled: c.store != nil,
	}
}

func (c *ResultCache) count(hit, backendErr bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	if backendErr {
		c.errors++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveCache(hit)
	}
}

func cacheKey(fingerprint string) string {
	return "design:" + fingerprint
}
