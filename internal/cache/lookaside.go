// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

// Lookaside is an optional hot layer consulted before SQLite on exact
// fingerprint lookups. Unavailability always degrades silently: the
// durable store remains the source of truth.
type Lookaside interface {
	Get(ctx context.Context, fingerprint string) (*store.CacheEntry, bool)
	Set(ctx context.Context, entry *store.CacheEntry)
}

// NopLookaside disables the hot layer.
type NopLookaside struct{}

func (NopLookaside) Get(context.Context, string) (*store.CacheEntry, bool) { return nil, false }
func (NopLookaside) Set(context.Context, *store.CacheEntry)                {}

// RedisLookaside keeps recent entries in Redis.
type RedisLookaside struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisLookaside connects to Redis at addr and verifies the
// connection before use.
func NewRedisLookaside(addr string, ttl time.Duration) (*RedisLookaside, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLookaside{
		client: client,
		ttl:    ttl,
		logger: log.WithComponent("cache.lookaside"),
	}, nil
}

func lookasideKey(fingerprint string) string { return "plan:" + fingerprint }

func (r *RedisLookaside) Get(ctx context.Context, fingerprint string) (*store.CacheEntry, bool) {
	raw, err := r.client.Get(ctx, lookasideKey(fingerprint)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Debug().Err(err).Str(log.FieldFingerprint, fingerprint).Msg("lookaside get failed")
		}
		return nil, false
	}
	var entry store.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.logger.Debug().Err(err).Str(log.FieldFingerprint, fingerprint).Msg("lookaside entry unreadable")
		return nil, false
	}
	return &entry, true
}

func (r *RedisLookaside) Set(ctx context.Context, entry *store.CacheEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, lookasideKey(entry.Fingerprint), raw, r.ttl).Err(); err != nil {
		r.logger.Debug().Err(err).Str(log.FieldFingerprint, entry.Fingerprint).Msg("lookaside set failed")
	}
}

func (r *RedisLookaside) Close() error { return r.client.Close() }
