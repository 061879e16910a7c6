// Package vulncache is the durable lookup cache between the correlator
// and the external vulnerability database. It owns key normalization and
// lazy TTL expiry; the underlying rows live in the state store.
package vulncache

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/observability"
	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/types"
)

// Cache fronts the state store's cve_cache table. Writes are idempotent
// with last-write-wins semantics: concurrent misses for the same identity
// may race to store and the later write simply replaces the earlier one.
// That costs at most a redundant external call, which the rate limiter
// already bounds, so no single-flight lock is used.
type Cache struct {
	store           statestore.StateStore
	ttl             time.Duration
	failureCooldown time.Duration
	logger          *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64

	// now is swappable for expiry tests
	now func() time.Time
}

// Stats is the cache roll-up exposed to the reporting layer.
type Stats struct {
	Entries int64   `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// New creates a cache over the given state store.
func New(store statestore.StateStore, cfg config.CacheConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:           store,
		ttl:             cfg.TTL,
		failureCooldown: cfg.FailureCooldown,
		logger:          logger,
		now:             time.Now,
	}
}

// Lookup returns the cached entry for the identity, after key
// normalization. A stale entry is treated as a miss and evicted on the
// spot (lazy expiry); a corrupted entry is a miss, never fatal.
func (c *Cache) Lookup(ctx context.Context, identity types.SoftwareIdentity) (*statestore.CacheEntry, bool, error) {
	key := identity.CacheKey()
	metrics := observability.GetMetrics()

	entry, err := c.store.CacheGet(ctx, key)
	if err != nil {
		if stderrors.Is(err, statestore.ErrCacheMiss) {
			c.misses.Add(1)
			metrics.CacheMisses.Inc()
			return nil, false, nil
		}
		return nil, false, err
	}

	if entry.Expired(c.now()) {
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		metrics.CacheEvictions.Inc()
		c.logger.Debug("evicting stale cache entry",
			"key", key,
			"fetched_at", entry.FetchedAt)
		if err := c.store.CacheDelete(ctx, key); err != nil {
			c.logger.Warn("failed to evict stale cache entry",
				"key", key,
				"error", err.Error())
		}
		return nil, false, nil
	}

	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return entry, true, nil
}

// StoreResult caches a successful lookup. An empty record set is stored
// like any other result: absence of vulnerabilities is itself cacheable.
func (c *Cache) StoreResult(ctx context.Context, identity types.SoftwareIdentity, records []types.VulnRecord) error {
	return c.store.CachePut(ctx, &statestore.CacheEntry{
		Key:       identity.CacheKey(),
		Status:    statestore.CacheStatusOK,
		Records:   records,
		FetchedAt: c.now().UTC(),
		TTL:       c.ttl,
	})
}

// StoreFailure caches a failure placeholder with the short cooldown TTL,
// so a permanently failing identity doesn't re-trigger external calls on
// every host that reports it.
func (c *Cache) StoreFailure(ctx context.Context, identity types.SoftwareIdentity, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return c.store.CachePut(ctx, &statestore.CacheEntry{
		Key:       identity.CacheKey(),
		Status:    statestore.CacheStatusFailed,
		Error:     msg,
		FetchedAt: c.now().UTC(),
		TTL:       c.failureCooldown,
	})
}

// Invalidate removes the entry for one identity.
func (c *Cache) Invalidate(ctx context.Context, identity types.SoftwareIdentity) error {
	observability.GetMetrics().CacheInvalidations.Inc()
	return c.store.CacheDelete(ctx, identity.CacheKey())
}

// InvalidateAll removes every entry and returns how many were dropped.
func (c *Cache) InvalidateAll(ctx context.Context) (int64, error) {
	dropped, err := c.store.CacheClear(ctx)
	if err != nil {
		return 0, err
	}
	observability.GetMetrics().CacheInvalidations.Add(float64(dropped))
	c.logger.Info("cache cleared by operator",
		"entries_dropped", dropped)
	return dropped, nil
}

// Stats returns entry count and hit rate since process start.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.store.CacheEntryCount(ctx)
	if err != nil {
		return Stats{}, err
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := Stats{
		Entries: entries,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}
