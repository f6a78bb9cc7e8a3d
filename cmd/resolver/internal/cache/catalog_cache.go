// Package cache holds the per-account catalog in memory, backed by Redis so
// a freshly-started resolver instance doesn't have to wait for a full
// control-plane push before it can serve traffic.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/confidence-resolver/resolver/pkg/catalog"
)

// CacheStats mirrors the teacher's config cache instrumentation, counted
// against catalog lookups instead of per-environment config lookups.
type CacheStats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Size        int
	LastUpdated time.Time
}

// CatalogLoader fetches a fresh catalog blob for an account from the control
// plane when neither the in-memory map nor Redis has one.
type CatalogLoader interface {
	FetchCatalog(ctx context.Context, accountID string) error
}

// CatalogCache holds one decoded *catalog.ResolverState per account,
// RWMutex-guarded in memory with a Redis-backed fallback, the same
// read-through shape as the teacher's ConfigCache applied to catalog blobs
// instead of per-environment flag configs.
type CatalogCache struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu       sync.RWMutex
	catalogs map[string]*catalog.ResolverState
	stats    CacheStats
}

// NewCatalogCache creates a new catalog cache.
func NewCatalogCache(redisClient *redis.Client, logger zerolog.Logger) *CatalogCache {
	return &CatalogCache{
		redis:    redisClient,
		logger:   logger.With().Str("component", "catalog_cache").Logger(),
		catalogs: make(map[string]*catalog.ResolverState),
	}
}

// GetCatalog retrieves the decoded catalog for an account, falling back to
// Redis on an in-memory miss.
func (c *CatalogCache) GetCatalog(ctx context.Context, accountID string) (*catalog.ResolverState, error) {
	c.mu.RLock()
	state, ok := c.catalogs[accountID]
	c.mu.RUnlock()
	if ok {
		c.recordHit()
		return state, nil
	}
	c.recordMiss()

	state, err := c.loadFromRedis(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		c.setCatalog(accountID, state)
	}
	return state, nil
}

// GetCatalogWithLoader retrieves a catalog with fallback to an external
// loader when it is absent from both the in-memory map and Redis.
func (c *CatalogCache) GetCatalogWithLoader(ctx context.Context, accountID string, loader CatalogLoader) (*catalog.ResolverState, error) {
	state, err := c.GetCatalog(ctx, accountID)
	if err != nil || state != nil {
		return state, err
	}

	if loader == nil {
		return nil, nil
	}

	if err := loader.FetchCatalog(ctx, accountID); err != nil {
		c.logger.Error().Err(err).Str("account", accountID).Msg("failed to fetch catalog from control plane")
		return nil, err
	}

	return c.GetCatalog(ctx, accountID)
}

// SetCatalog installs a freshly-decoded catalog and mirrors it to Redis.
func (c *CatalogCache) SetCatalog(accountID string, state *catalog.ResolverState, raw []byte) {
	c.setCatalog(accountID, state)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.storeInRedis(ctx, accountID, raw); err != nil {
			c.logger.Error().Err(err).Str("account", accountID).Msg("failed to store catalog in redis")
		}
	}()
}

// InvalidateCatalog drops an account's catalog from memory and Redis.
func (c *CatalogCache) InvalidateCatalog(accountID string) {
	c.mu.Lock()
	if _, exists := c.catalogs[accountID]; exists {
		delete(c.catalogs, accountID)
		c.stats.Evictions++
	}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.redis.Del(ctx, c.redisKey(accountID)).Err(); err != nil {
			c.logger.Error().Err(err).Str("account", accountID).Msg("failed to delete catalog from redis")
		}
	}()
}

// ListCachedAccounts returns the accounts currently held in memory.
func (c *CatalogCache) ListCachedAccounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.catalogs))
	for id := range c.catalogs {
		out = append(out, id)
	}
	return out
}

// GetStats returns cache statistics.
func (c *CatalogCache) GetStats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = len(c.catalogs)
	return stats
}

func (c *CatalogCache) setCatalog(accountID string, state *catalog.ResolverState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalogs[accountID] = state
	c.stats.LastUpdated = time.Now()
	c.logger.Info().
		Str("account", accountID).
		Int("flags", len(state.Flags)).
		Int("segments", len(state.Segments)).
		Int("secrets", len(state.Secrets)).
		Msg("catalog updated in cache")
}

func (c *CatalogCache) loadFromRedis(ctx context.Context, accountID string) (*catalog.ResolverState, error) {
	data, err := c.redis.Get(ctx, c.redisKey(accountID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load catalog from redis: %w", err)
	}

	state, err := catalog.Decode(data, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cached catalog: %w", err)
	}

	c.logger.Debug().Str("account", accountID).Msg("catalog loaded from redis")
	return state, nil
}

func (c *CatalogCache) storeInRedis(ctx context.Context, accountID string, raw []byte) error {
	if err := c.redis.Set(ctx, c.redisKey(accountID), raw, time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to store catalog in redis: %w", err)
	}
	c.logger.Debug().Str("account", accountID).Msg("catalog stored in redis")
	return nil
}

func (c *CatalogCache) redisKey(accountID string) string {
	return fmt.Sprintf("resolver:catalog:%s", accountID)
}

func (c *CatalogCache) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

func (c *CatalogCache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// GetCacheHitRatio returns the cache hit ratio as a percentage.
func (c *CatalogCache) GetCacheHitRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.stats.Hits + c.stats.Misses
	if total == 0 {
		return 0
	}
	return float64(c.stats.Hits) / float64(total) * 100
}
