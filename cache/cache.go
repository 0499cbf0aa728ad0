// Package cache persists computed indicator records with TTL semantics.
// The backing Store is swappable; corrupt or missing data always degrades
// to a cache miss, never to an error surfaced to the scheduler.
package cache

import (
	"encoding/json"
	"time"

	"perpflow/logger"
	"perpflow/metrics"
	"perpflow/models"
)

// keyPrefix versions the persisted record namespace. Bumping it orphans
// old entries instead of misreading them.
const keyPrefix = "indicators:v1:"

// Store is a minimal persistent key-value store.
type Store interface {
	// Get returns the stored value, or found=false when the key is absent.
	Get(key string) (value []byte, found bool, err error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// IndicatorCache wraps a Store with the indicator record namespace and
// freshness checks.
type IndicatorCache struct {
	store Store
	ttl   time.Duration
	log   *logger.Log
}

func New(store Store, ttl time.Duration) *IndicatorCache {
	return &IndicatorCache{
		store: store,
		ttl:   ttl,
		log:   logger.GetLogger(),
	}
}

// TTL returns the configured time-to-live.
func (c *IndicatorCache) TTL() time.Duration { return c.ttl }

func key(instID string) string { return keyPrefix + instID }

// Get returns the cached entry and whether it is still fresh at now.
// Store failures and undecodable payloads are misses.
func (c *IndicatorCache) Get(instID string, now time.Time) (*models.CacheEntry, bool) {
	raw, found, err := c.store.Get(key(instID))
	if err != nil {
		c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{"inst_id": instID}).Warn("store read failed, treating as miss")
		metrics.CacheMiss()
		return nil, false
	}
	if !found {
		metrics.CacheMiss()
		return nil, false
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{"inst_id": instID}).Warn("corrupt cache entry, treating as miss")
		metrics.CacheMiss()
		return nil, false
	}
	fresh := entry.Fresh(now, c.ttl)
	if fresh {
		metrics.CacheHit()
	} else {
		metrics.CacheStale()
	}
	return &entry, fresh
}

// Put overwrites the entry for the record's instrument unconditionally.
func (c *IndicatorCache) Put(record models.IndicatorRecord) error {
	entry := models.CacheEntry{Record: record, StoredAt: record.UpdatedAt}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.store.Set(key(record.InstID), raw); err != nil {
		return err
	}
	logger.IncrementCacheWrite(len(raw))
	return nil
}

// Invalidate deletes the listed entries so the next scheduler pass
// recomputes them unconditionally. Individual delete failures are logged
// and do not stop the rest.
func (c *IndicatorCache) Invalidate(instIDs []string) {
	for _, id := range instIDs {
		if err := c.store.Delete(key(id)); err != nil {
			c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{"inst_id": id}).Warn("invalidate failed")
		}
	}
}

func (c *IndicatorCache) Close() error { return c.store.Close() }
