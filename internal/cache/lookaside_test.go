package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisLookaside) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rl := &RedisLookaside{
		client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		ttl:    time.Hour,
		logger: log.WithComponent("cache.lookaside"),
	}
	t.Cleanup(func() { _ = rl.Close() })
	return mr, rl
}

func TestRedisLookaside_SetGet(t *testing.T) {
	_, rl := setupMiniRedis(t)
	ctx := context.Background()

	entry := &store.CacheEntry{
		Fingerprint:   "fp-1",
		NormalizedKey: "clean garage",
		Payload:       json.RawMessage(`{"steps":["sort"]}`),
		CreatedAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	rl.Set(ctx, entry)

	got, ok := rl.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.Equal(t, entry.NormalizedKey, got.NormalizedKey)
	assert.JSONEq(t, string(entry.Payload), string(got.Payload))

	_, ok = rl.Get(ctx, "fp-unknown")
	assert.False(t, ok)
}

func TestRedisLookaside_DegradesWhenDown(t *testing.T) {
	mr, rl := setupMiniRedis(t)
	mr.Close()

	_, ok := rl.Get(context.Background(), "fp-1")
	assert.False(t, ok, "an unreachable lookaside is a miss, never an error")
	rl.Set(context.Background(), &store.CacheEntry{Fingerprint: "fp-1"}) // must not panic
}

func TestCacheWithLookaside(t *testing.T) {
	mr, rl := setupMiniRedis(t)

	c, _, _ := newTestCache(t, Options{Lookaside: rl})
	ctx := context.Background()

	payload := json.RawMessage(`{"steps":["pack bag"]}`)
	c.Store(ctx, "pack for the gym", payload)
	assert.Positive(t, len(mr.Keys()), "store writes through to the lookaside")

	got, ok := c.Lookup(ctx, "pack for the gym")
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(got))
}
