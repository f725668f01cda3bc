package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

func newTestCache(t *testing.T, opts Options) (*Cache, *store.Store, *clock.FakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(s, fc, opts), s, fc
}

func TestNormalize(t *testing.T) {
	key, keywords := Normalize("  Clean THE Garage,  please! ")
	assert.Equal(t, "clean garage please", key)
	assert.Equal(t, []string{"clean", "garage", "please"}, keywords)

	// Same content, different casing/phrasing noise.
	key2, _ := Normalize("clean the garage please")
	assert.Equal(t, key, key2)
	assert.Equal(t, Fingerprint(key), Fingerprint(key2))
}

func TestLookup_RoundTrip(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()

	payload := json.RawMessage(`{"steps":["sort shelves","donate box"]}`)
	c.Store(ctx, "Clean the garage", payload)

	got, ok := c.Lookup(ctx, "clean the GARAGE")
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(got))
}

func TestLookup_UnseenMiss(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	_, ok := c.Lookup(context.Background(), "write quarterly report")
	assert.False(t, ok)
}

func TestLookup_KeywordOverlap(t *testing.T) {
	c, _, _ := newTestCache(t, Options{SimilarityThreshold: 0.6})
	ctx := context.Background()

	payload := json.RawMessage(`{"steps":["empty inbox"]}`)
	c.Store(ctx, "answer email inbox backlog", payload)

	// 3 of 4 query keywords overlap: above threshold.
	got, ok := c.Lookup(ctx, "email inbox backlog tonight")
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(got))

	// 1 of 3 overlaps: below threshold.
	_, ok = c.Lookup(ctx, "email tax accountant")
	assert.False(t, ok)
}

func TestLookup_MaxAge(t *testing.T) {
	c, _, fc := newTestCache(t, Options{MaxAge: time.Hour})
	ctx := context.Background()

	c.Store(ctx, "water the plants", json.RawMessage(`{"steps":[]}`))

	_, ok := c.Lookup(ctx, "water the plants")
	assert.True(t, ok)

	fc.Advance(2 * time.Hour)
	_, ok = c.Lookup(ctx, "water the plants")
	assert.False(t, ok, "entries older than max age are not served")
}

func TestLookup_FingerprintCollisionNotServed(t *testing.T) {
	c, s, _ := newTestCache(t, Options{})
	ctx := context.Background()

	key, keywords := Normalize("clean the garage")
	// Simulate a digest collision: same fingerprint, different text.
	require.NoError(t, s.PutCacheEntry(ctx, store.CacheEntry{
		Fingerprint:   Fingerprint(key),
		NormalizedKey: "something else entirely",
		Payload:       json.RawMessage(`{"steps":["wrong plan"]}`),
	}, keywords))

	_, ok := c.Lookup(ctx, "clean the garage")
	assert.False(t, ok, "a collided entry must never be served")
}

type failingStorage struct{}

func (failingStorage) GetCacheEntry(context.Context, string) (*store.CacheEntry, error) {
	return nil, errors.New("disk on fire")
}
func (failingStorage) PutCacheEntry(context.Context, store.CacheEntry, []string) error {
	return errors.New("disk on fire")
}
func (failingStorage) FindCacheCandidates(context.Context, []string, int) ([]store.CacheCandidate, error) {
	return nil, errors.New("disk on fire")
}

func TestStorageFailureNeverPropagates(t *testing.T) {
	c := New(failingStorage{}, clock.RealClock{}, Options{})
	ctx := context.Background()

	c.Store(ctx, "anything", json.RawMessage(`{}`)) // must not panic or error out

	_, ok := c.Lookup(ctx, "anything")
	assert.False(t, ok, "lookup failure behaves as a miss")
}

func TestLookupOrCompute_Collapses(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls int
	)
	gate := make(chan struct{})
	compute := func(context.Context) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-gate
		return json.RawMessage(`{"steps":["one"]}`), nil
	}

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := c.LookupOrCompute(ctx, "pack for the trip", compute)
			require.NoError(t, err)
			results[i] = payload
		}(i)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 1, calls, "concurrent misses trigger one computation")
	mu.Unlock()
	for _, r := range results {
		assert.JSONEq(t, `{"steps":["one"]}`, string(r))
	}

	// Result landed in the cache.
	got, ok := c.Lookup(ctx, "pack for the trip")
	require.True(t, ok)
	assert.JSONEq(t, `{"steps":["one"]}`, string(got))
}

func TestLookupOrCompute_ComputeError(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	_, err := c.LookupOrCompute(context.Background(), "impossible task", func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("model unavailable")
	})
	assert.Error(t, err)
}
