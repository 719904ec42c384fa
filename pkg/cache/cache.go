// Package cache provides a two-tier cache: an in-process LRU fronting
// a shared Redis keyspace. Redis being down degrades every operation
// to a miss; callers always tolerate that.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quorumhq/quorum/pkg/models"
)

const keyPrefix = "quorum:"

// Config configures the cache tiers and TTLs.
type Config struct {
	// RedisAddr is the shared tier address. Empty disables Redis; the
	// cache then serves embeddings from the LRU only.
	RedisAddr string
	RedisDB   int
	// LRUSize bounds the in-process embedding tier.
	LRUSize          int
	EmbeddingTTL     time.Duration
	RecallTTL        time.Duration
	CircleContextTTL time.Duration
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Errors         int64 `json:"errors"`
	LRUSize        int   `json:"lru_size"`
	RedisAvailable bool  `json:"redis_available"`
}

// Cache is the two-tier cache. The LRU holds embeddings only (the
// inner-loop hot path); recall results and circle contexts live in
// Redis alone.
type Cache struct {
	cfg   Config
	rdb   *redis.Client
	embed *lru.Cache[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// New builds the cache. Redis connectivity is probed lazily per
// operation, never at construction.
func New(cfg Config) (*Cache, error) {
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = 1000
	}
	if cfg.EmbeddingTTL <= 0 {
		cfg.EmbeddingTTL = 24 * time.Hour
	}
	if cfg.RecallTTL <= 0 {
		cfg.RecallTTL = 5 * time.Minute
	}
	if cfg.CircleContextTTL <= 0 {
		cfg.CircleContextTTL = 10 * time.Minute
	}

	embed, err := lru.New[string, []float32](cfg.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU tier: %w", err)
	}

	c := &Cache{cfg: cfg, embed: embed}
	if cfg.RedisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}
	return c, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// GetEmbedding returns a cached embedding for a text, checking the LRU
// before the shared tier.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	key := embeddingKey(text)
	if vec, ok := c.embed.Get(key); ok {
		c.hits.Add(1)
		return vec, true
	}

	var vec []float32
	if !c.getJSON(ctx, key, &vec) {
		c.misses.Add(1)
		return nil, false
	}
	c.embed.Add(key, vec)
	c.hits.Add(1)
	return vec, true
}

// SetEmbedding stores an embedding in both tiers.
func (c *Cache) SetEmbedding(ctx context.Context, text string, vec []float32) {
	key := embeddingKey(text)
	c.embed.Add(key, vec)
	c.setJSON(ctx, key, vec, c.cfg.EmbeddingTTL)
}

// RecallKey derives the cache key for an unfiltered recall query.
func RecallKey(agentID int64, query string, limit int, threshold float64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%g", query, limit, threshold))
	return fmt.Sprintf("%srecall:%d:%s", keyPrefix, agentID, hex.EncodeToString(sum[:16]))
}

// GetRecall returns cached recall results for a key.
func (c *Cache) GetRecall(ctx context.Context, key string) ([]*models.ScoredMemory, bool) {
	var results []*models.ScoredMemory
	if !c.getJSON(ctx, key, &results) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return results, true
}

// SetRecall caches recall results under a key.
func (c *Cache) SetRecall(ctx context.Context, key string, results []*models.ScoredMemory) {
	c.setJSON(ctx, key, results, c.cfg.RecallTTL)
}

// InvalidateAgent drops every cached recall result for an agent.
func (c *Cache) InvalidateAgent(ctx context.Context, agentID int64) {
	c.DeletePattern(ctx, fmt.Sprintf("%srecall:%d:*", keyPrefix, agentID))
}

// GetCircleContext returns the cached composed context for a circle.
func (c *Cache) GetCircleContext(ctx context.Context, circleID int64) (string, bool) {
	var out string
	if !c.getJSON(ctx, circleContextKey(circleID), &out) {
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return out, true
}

// SetCircleContext caches the composed context for a circle.
func (c *Cache) SetCircleContext(ctx context.Context, circleID int64, composed string) {
	c.setJSON(ctx, circleContextKey(circleID), composed, c.cfg.CircleContextTTL)
}

// InvalidateCircleContext drops a circle's cached context.
func (c *Cache) InvalidateCircleContext(ctx context.Context, circleID int64) {
	c.Delete(ctx, circleContextKey(circleID))
}

// Get reads a raw value from the shared tier. Returns a miss when
// Redis is unavailable.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.rdb == nil {
		return "", false
	}
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.degraded("get", err)
		}
		return "", false
	}
	return val, true
}

// Set writes a raw value to the shared tier.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.degraded("set", err)
	}
}

// Delete removes one key from the shared tier.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.degraded("delete", err)
	}
}

// DeletePattern removes every key matching a glob pattern, scanning in
// batches to avoid blocking Redis.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) {
	if c.rdb == nil {
		return
	}
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.degraded("delete pattern", err)
				return
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		c.degraded("scan", err)
		return
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			c.degraded("delete pattern", err)
		}
	}
}

// ClearAll flushes every key under the cache's prefix and purges the
// LRU tier.
func (c *Cache) ClearAll(ctx context.Context) {
	c.embed.Purge()
	c.DeletePattern(ctx, keyPrefix+"*")
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats(ctx context.Context) Stats {
	available := false
	if c.rdb != nil {
		available = c.rdb.Ping(ctx).Err() == nil
	}
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Errors:         c.errors.Load(),
		LRUSize:        c.embed.Len(),
		RedisAvailable: available,
	}
}

func (c *Cache) getJSON(ctx context.Context, key string, out any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.degraded("decode", err)
		c.Delete(ctx, key)
		return false
	}
	return true
}

func (c *Cache) setJSON(ctx context.Context, key string, val any, ttl time.Duration) {
	blob, err := json.Marshal(val)
	if err != nil {
		c.degraded("encode", err)
		return
	}
	c.Set(ctx, key, string(blob), ttl)
}

func (c *Cache) degraded(op string, err error) {
	c.errors.Add(1)
	slog.Debug("Cache operation degraded to miss",
		slog.String("op", op),
		slog.String("error", err.Error()))
}

func embeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return keyPrefix + "embedding:" + hex.EncodeToString(sum[:16])
}

func circleContextKey(circleID int64) string {
	return fmt.Sprintf("%scircle_ctx:%d", keyPrefix, circleID)
}
