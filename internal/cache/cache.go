// SPDX-License-Identifier: MIT

// Package cache is the content-addressed lookup over previously computed
// task decompositions. Cache trouble never blocks the caller's critical
// path: a failed store is logged and swallowed, a failed lookup behaves
// as a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/metrics"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

// Storage is what the cache needs from the state store.
type Storage interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*store.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry store.CacheEntry, keywords []string) error
	FindCacheCandidates(ctx context.Context, keywords []string, limit int) ([]store.CacheCandidate, error)
}

// Cache resolves task descriptions to cached decomposition payloads.
type Cache struct {
	storage   Storage
	lookaside Lookaside
	clk       clock.Clock
	logger    zerolog.Logger

	threshold float64
	maxAge    time.Duration // 0 disables the age policy
	scanLimit int

	group singleflight.Group
}

// Options tunes cache behavior; zero values fall back to defaults.
type Options struct {
	Lookaside           Lookaside
	SimilarityThreshold float64
	MaxAge              time.Duration
	ScanLimit           int
}

// New builds a Cache over the given storage.
func New(storage Storage, clk clock.Clock, opts Options) *Cache {
	c := &Cache{
		storage:   storage,
		lookaside: opts.Lookaside,
		clk:       clk,
		logger:    log.WithComponent("cache"),
		threshold: opts.SimilarityThreshold,
		maxAge:    opts.MaxAge,
		scanLimit: opts.ScanLimit,
	}
	if c.lookaside == nil {
		c.lookaside = NopLookaside{}
	}
	if c.threshold <= 0 || c.threshold > 1 {
		c.threshold = 0.6
	}
	if c.scanLimit <= 0 {
		c.scanLimit = 25
	}
	return c
}

// Lookup resolves a task description: exact fingerprint match first, then
// the bounded keyword-overlap scan. The boolean reports a usable hit.
func (c *Cache) Lookup(ctx context.Context, description string) (json.RawMessage, bool) {
	key, keywords := Normalize(description)
	fingerprint := Fingerprint(key)

	if entry, ok := c.lookaside.Get(ctx, fingerprint); ok {
		payload, ok, collided := c.usable(entry, key)
		if collided {
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
			return nil, false
		}
		if ok {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			return payload, true
		}
	}

	entry, err := c.storage.GetCacheEntry(ctx, fingerprint)
	switch {
	case err == nil:
		payload, ok, collided := c.usable(entry, key)
		if collided {
			// A collided row must never be served, not even through the
			// similarity scan that would rediscover it by keywords.
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
			return nil, false
		}
		if ok {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			c.lookaside.Set(ctx, entry)
			return payload, true
		}
	case errors.Is(err, store.ErrNotFound):
		// fall through to the similarity scan
	default:
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str(log.FieldFingerprint, fingerprint).Msg("cache lookup failed, treating as miss")
		return nil, false
	}

	if payload, ok := c.lookupSimilar(ctx, key, keywords); ok {
		metrics.CacheLookupsTotal.WithLabelValues("similar").Inc()
		return payload, true
	}

	metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	return nil, false
}

func (c *Cache) lookupSimilar(ctx context.Context, key string, keywords []string) (json.RawMessage, bool) {
	if len(keywords) == 0 {
		return nil, false
	}
	candidates, err := c.storage.FindCacheCandidates(ctx, keywords, c.scanLimit)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache similarity scan failed, treating as miss")
		return nil, false
	}
	for _, cand := range candidates {
		if float64(cand.Overlap)/float64(len(keywords)) < c.threshold {
			break // candidates are ordered by overlap; nothing better follows
		}
		entry, err := c.storage.GetCacheEntry(ctx, cand.Fingerprint)
		if err != nil {
			continue
		}
		if c.expired(entry) {
			continue
		}
		return entry.Payload, true
	}
	return nil, false
}

// usable validates an exact-fingerprint hit. A differing normalized key
// means the digest collided, which is a cache-correctness bug: it is
// counted, logged loudly and reported separately so the caller can stop
// the lookup instead of falling back to the similarity scan.
func (c *Cache) usable(entry *store.CacheEntry, key string) (payload json.RawMessage, ok, collided bool) {
	if entry.NormalizedKey != key {
		metrics.CacheCollisionsTotal.Inc()
		c.logger.Error().
			Str(log.FieldFingerprint, entry.Fingerprint).
			Str("stored_key", entry.NormalizedKey).
			Str("lookup_key", key).
			Msg("fingerprint collision detected")
		return nil, false, true
	}
	if c.expired(entry) {
		return nil, false, false
	}
	return entry.Payload, true, false
}

func (c *Cache) expired(entry *store.CacheEntry) bool {
	return c.maxAge > 0 && c.clk.Now().Sub(entry.CreatedAt) > c.maxAge
}

// Store inserts or overwrites the entry for a description. Overwrite on
// fingerprint match is deliberate: re-decomposition may refine a cached
// plan. Failures never propagate.
func (c *Cache) Store(ctx context.Context, description string, payload json.RawMessage) {
	key, keywords := Normalize(description)
	entry := store.CacheEntry{
		Fingerprint:   Fingerprint(key),
		NormalizedKey: key,
		Payload:       payload,
		CreatedAt:     c.clk.Now(),
	}

	if err := c.storage.PutCacheEntry(ctx, entry, keywords); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldFingerprint, entry.Fingerprint).
			Msg("cache store failed, continuing uncached")
		return
	}
	c.lookaside.Set(ctx, &entry)
}

// LookupOrCompute returns the cached payload or runs compute exactly once
// per fingerprint across concurrent callers, storing its result.
func (c *Cache) LookupOrCompute(ctx context.Context, description string, compute func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if payload, ok := c.Lookup(ctx, description); ok {
		return payload, nil
	}

	key, _ := Normalize(description)
	fingerprint := Fingerprint(key)

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		payload, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Store(ctx, description, payload)
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}
