package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLocalCache builds a cache with no Redis configured: the LRU tier
// works, everything routed at the shared tier degrades to a miss.
func newLocalCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{LRUSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEmbeddingLRUTier(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	_, ok := c.GetEmbedding(ctx, "hello")
	assert.False(t, ok)

	c.SetEmbedding(ctx, "hello", []float32{1, 2, 3})
	vec, ok := c.GetEmbedding(ctx, "hello")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, vec)

	// Different text misses.
	_, ok = c.GetEmbedding(ctx, "goodbye")
	assert.False(t, ok)
}

func TestEmbeddingLRUEviction(t *testing.T) {
	c, err := New(Config{LRUSize: 2})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	c.SetEmbedding(ctx, "a", []float32{1})
	c.SetEmbedding(ctx, "b", []float32{2})
	c.SetEmbedding(ctx, "c", []float32{3})

	_, ok := c.GetEmbedding(ctx, "a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.GetEmbedding(ctx, "c")
	assert.True(t, ok)
}

func TestDegradationWithoutRedis(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	// Every shared-tier operation is a harmless no-op or miss.
	_, ok := c.Get(ctx, "quorum:anything")
	assert.False(t, ok)
	c.Set(ctx, "quorum:anything", "value", time.Minute)
	_, ok = c.Get(ctx, "quorum:anything")
	assert.False(t, ok)

	_, ok = c.GetRecall(ctx, RecallKey(1, "query", 5, 0.7))
	assert.False(t, ok)
	_, ok = c.GetCircleContext(ctx, 42)
	assert.False(t, ok)

	c.InvalidateAgent(ctx, 1)
	c.InvalidateCircleContext(ctx, 42)
	c.ClearAll(ctx)
}

func TestClearAllPurgesLRU(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	c.SetEmbedding(ctx, "hello", []float32{1})
	c.ClearAll(ctx)

	_, ok := c.GetEmbedding(ctx, "hello")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats(ctx).LRUSize)
}

func TestRecallKeyStability(t *testing.T) {
	k1 := RecallKey(1, "what changed", 5, 0.7)
	k2 := RecallKey(1, "what changed", 5, 0.7)
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, RecallKey(2, "what changed", 5, 0.7))
	assert.NotEqual(t, k1, RecallKey(1, "what changed", 10, 0.7))
	assert.NotEqual(t, k1, RecallKey(1, "what changed", 5, 0.8))
	assert.Contains(t, k1, "quorum:recall:1:")
}

func TestStatsCounters(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	c.SetEmbedding(ctx, "hello", []float32{1})
	_, _ = c.GetEmbedding(ctx, "hello")
	_, _ = c.GetEmbedding(ctx, "missing")

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.False(t, stats.RedisAvailable)
	assert.Equal(t, 1, stats.LRUSize)
}
