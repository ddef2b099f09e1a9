package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

const (
	defaultLRUSize = 4096
	redisTTL       = 24 * time.Hour
)

// Cache is the layered extraction-result cache: in-process LRU, then an
// optional Redis read-through, then the persistent store. A hit at any
// layer backfills the layers above it.
type Cache struct {
	lru     *lru.Cache[string, string]
	redis   *redis.Client
	store   storage.ExtractionCacheStorage
	logger  observability.Logger
	emitter observability.EventEmitter
}

// NewCache builds the cache chain. redisClient may be nil to disable the
// Redis layer.
func NewCache(store storage.ExtractionCacheStorage, redisClient *redis.Client, logger observability.Logger, emitter observability.EventEmitter) (*Cache, error) {
	l, err := lru.New[string, string](defaultLRUSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Cache{
		lru:     l,
		redis:   redisClient,
		store:   store,
		logger:  logger.WithPrefix("extraction-cache"),
		emitter: emitter,
	}, nil
}

func redisKey(projectID uuid.UUID, cacheType models.CacheType, hash string) string {
	return fmt.Sprintf("rag:extract:%s:%s:%s", projectID, cacheType, hash)
}

func lruKey(projectID uuid.UUID, cacheType models.CacheType, hash string) string {
	return projectID.String() + ":" + string(cacheType) + ":" + hash
}

// Get looks the fingerprint up through the cache chain. The second
// return reports whether a result was found.
func (c *Cache) Get(ctx context.Context, projectID uuid.UUID, cacheType models.CacheType, hash string) (string, bool) {
	key := lruKey(projectID, cacheType, hash)
	if result, ok := c.lru.Get(key); ok {
		c.hit(ctx, projectID, cacheType, "lru")
		return result, true
	}

	if c.redis != nil {
		result, err := c.redis.Get(ctx, redisKey(projectID, cacheType, hash)).Result()
		switch {
		case err == nil:
			c.lru.Add(key, result)
			c.hit(ctx, projectID, cacheType, "redis")
			return result, true
		case !errors.Is(err, redis.Nil):
			// degraded redis must not fail extraction
			c.logger.Warn("redis cache read failed", map[string]interface{}{
				"project_id": projectID.String(),
				"error":      err.Error(),
			})
		}
	}

	entry, err := c.store.Get(ctx, projectID, cacheType, hash)
	if err == nil {
		c.backfill(ctx, projectID, cacheType, hash, entry.Result)
		c.hit(ctx, projectID, cacheType, "store")
		return entry.Result, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("extraction cache read failed", map[string]interface{}{
			"project_id": projectID.String(),
			"error":      err.Error(),
		})
	}

	c.emitter.Emit(ctx, observability.EventExtractCacheMiss, map[string]interface{}{
		"project_id": projectID.String(),
		"cache_type": string(cacheType),
	})
	return "", false
}

// Put writes the result through every layer. Persistent write failures
// are surfaced; the volatile layers are best-effort.
func (c *Cache) Put(ctx context.Context, projectID uuid.UUID, cacheType models.CacheType, hash, result string, tokensUsed int) error {
	c.backfill(ctx, projectID, cacheType, hash, result)

	err := c.store.Put(ctx, &models.ExtractionCacheEntry{
		ProjectID:   projectID,
		CacheType:   cacheType,
		ContentHash: hash,
		Result:      result,
		TokensUsed:  tokensUsed,
	})
	if err != nil {
		return fmt.Errorf("failed to persist extraction cache entry: %w", err)
	}
	return nil
}

func (c *Cache) backfill(ctx context.Context, projectID uuid.UUID, cacheType models.CacheType, hash, result string) {
	c.lru.Add(lruKey(projectID, cacheType, hash), result)
	if c.redis != nil {
		if err := c.redis.Set(ctx, redisKey(projectID, cacheType, hash), result, redisTTL).Err(); err != nil {
			c.logger.Warn("redis cache write failed", map[string]interface{}{
				"project_id": projectID.String(),
				"error":      err.Error(),
			})
		}
	}
}

func (c *Cache) hit(ctx context.Context, projectID uuid.UUID, cacheType models.CacheType, layer string) {
	c.emitter.Emit(ctx, observability.EventExtractCacheHit, map[string]interface{}{
		"project_id": projectID.String(),
		"cache_type": string(cacheType),
		"layer":      layer,
	})
}

// Invalidate drops every cached result for a project, in all layers that
// support targeted deletion. LRU entries age out on their own.
func (c *Cache) Invalidate(ctx context.Context, projectID uuid.UUID) error {
	c.lru.Purge()
	if err := c.store.DeleteByProject(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete extraction cache entries: %w", err)
	}
	return nil
}
