package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VJDiPaola/ADHD-OS/internal/persistence/sqlite"
	"github.com/VJDiPaola/ADHD-OS/internal/state"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSessionRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureSession(ctx, "sess-1", "vince"))
	// Second ensure is a no-op, not an error.
	require.NoError(t, s.EnsureSession(ctx, "sess-1", "vince"))

	rec, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "vince", rec.UserID)
	assert.Empty(t, rec.State)

	updated, err := s.UpdateSession(ctx, "sess-1", func(r *SessionRecord) error {
		r.State["mood"] = "focused"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	back, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "focused", back.State["mood"])
}

func TestUpdateSession_NoLostUpdates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureSession(ctx, "sess-1", "vince"))

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateSession(ctx, "sess-1", func(r *SessionRecord) error {
				count, _ := r.State["count"].(float64)
				r.State["count"] = count + 1
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, float64(n), rec.State["count"], "every increment must survive the interleaving")
	assert.Equal(t, int64(n+1), rec.Version)
}

func TestGetSession_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSession_CorruptBlob(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureSession(ctx, "sess-1", "vince"))

	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("UPDATE sessions SET state_json = '{' WHERE session_id = 'sess-1'")
	require.NoError(t, err)

	_, err = s.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestSaveUserState_PersistsNullCurrentTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task := "write report"
	med := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, s.SaveUserState(ctx, state.Snapshot{
		UserID: "vince", Energy: 7, MedicationTime: &med, CurrentTask: &task,
	}))

	// Finishing the task persists an explicit null; the old value must not
	// resurrect on read.
	require.NoError(t, s.SaveUserState(ctx, state.Snapshot{
		UserID: "vince", Energy: 6, MedicationTime: &med, CurrentTask: nil,
	}))

	snap, err := s.GetUserState(ctx, "vince")
	require.NoError(t, err)
	assert.Nil(t, snap.CurrentTask)
	assert.Equal(t, 6, snap.Energy)
	require.NotNil(t, snap.MedicationTime)
	assert.True(t, med.Equal(*snap.MedicationTime))
}

func TestTaskTypeMultiplier(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.TaskTypeMultiplier(ctx, "email")
	require.NoError(t, err)
	assert.False(t, ok, "needs at least three usable rows")

	for _, actual := range []int{20, 30, 40} {
		require.NoError(t, s.AppendTaskHistory(ctx, TaskRecord{
			TaskType: "email", EstimatedMinutes: 20, ActualMinutes: actual, EnergyLevel: 5,
		}))
	}

	mult, ok, err := s.TaskTypeMultiplier(ctx, "email")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1.5, mult, 1e-9) // (1.0 + 1.5 + 2.0) / 3
}

func TestTaskHistoryRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	records := []TaskRecord{
		{TaskType: "email", EstimatedMinutes: 10, ActualMinutes: 12, EnergyLevel: 4, CreatedAt: base},
		{TaskType: "email", EstimatedMinutes: 20, ActualMinutes: 35, EnergyLevel: 7, InPeakWindow: true, CreatedAt: base.Add(time.Hour)},
		{TaskType: "laundry", EstimatedMinutes: 30, ActualMinutes: 30, EnergyLevel: 5, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, s.AppendTaskHistory(ctx, rec))
	}

	got, err := s.TaskHistory(ctx, "email", 10)
	require.NoError(t, err)

	// Newest first, laundry filtered out.
	want := []TaskRecord{records[1], records[0]}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	types, err := s.TaskTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "laundry"}, types)
}

func TestCacheEntriesAndCandidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entry := CacheEntry{
		Fingerprint:   "fp-1",
		NormalizedKey: "clean garage",
		Payload:       []byte(`{"steps":["sort","donate"]}`),
	}
	require.NoError(t, s.PutCacheEntry(ctx, entry, []string{"clean", "garage"}))

	got, err := s.GetCacheEntry(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, entry.NormalizedKey, got.NormalizedKey)
	assert.JSONEq(t, string(entry.Payload), string(got.Payload))

	// Overwrite on same fingerprint reindexes keywords.
	entry.Payload = []byte(`{"steps":["sort"]}`)
	require.NoError(t, s.PutCacheEntry(ctx, entry, []string{"clean", "garage", "sunday"}))

	cands, err := s.FindCacheCandidates(ctx, []string{"garage", "sunday", "unrelated"}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "fp-1", cands[0].Fingerprint)
	assert.Equal(t, 2, cands[0].Overlap)

	_, err = s.GetCacheEntry(ctx, "fp-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
