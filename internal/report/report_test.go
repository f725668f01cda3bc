// SPDX-License-Identifier: MIT

package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/query"
	"github.com/VJDiPaola/ADHD-OS/internal/state"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestExporter(t *testing.T) (*Exporter, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fc := clock.NewFakeClock(testNow)
	b := bus.New(fc)
	t.Cleanup(func() { b.Close() })

	window := state.PeakWindow{StartOffset: time.Hour, EndOffset: 5 * time.Hour}
	q := query.New(st, b, fc, window)
	return NewExporter(q, st, b, fc), st, b
}

func seedHistory(t *testing.T, st *store.Store, taskType string, est, actual int) {
	t.Helper()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendTaskHistory(context.Background(), store.TaskRecord{
			TaskType:         taskType,
			EstimatedMinutes: est,
			ActualMinutes:    actual,
			EnergyLevel:      6,
			CreatedAt:        testNow,
		}))
	}
}

func TestExportWritesAtomicSummary(t *testing.T) {
	e, st, b := newTestExporter(t)
	ctx := context.Background()

	require.NoError(t, st.SaveUserState(ctx, state.Snapshot{
		UserID:    "u1",
		Energy:    7,
		UpdatedAt: testNow,
	}))
	require.NoError(t, st.EnsureSession(ctx, "s1", "u1"))
	seedHistory(t, st, "email", 10, 15)   // 1.5x: chronic underestimate
	seedHistory(t, st, "laundry", 10, 10) // on target, no pattern

	summarized := make(chan bus.Event, 1)
	sub, err := b.Subscribe(bus.TopicSessionSummarized, func(_ context.Context, ev bus.Event) error {
		summarized <- ev
		return nil
	})
	require.NoError(t, err)
	defer sub.Cancel()

	patterns := make(chan bus.Event, 4)
	sub2, err := b.Subscribe(bus.TopicPatternDetected, func(_ context.Context, ev bus.Event) error {
		patterns <- ev
		return nil
	})
	require.NoError(t, err)
	defer sub2.Cancel()

	path := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, e.Export(ctx, "u1", path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var sum Summary
	require.NoError(t, json.Unmarshal(raw, &sum))
	require.NotNil(t, sum.User)
	require.Equal(t, "u1", sum.User.UserID)
	require.Len(t, sum.Sessions, 1)
	require.Len(t, sum.Patterns, 1)
	require.Equal(t, "email", sum.Patterns[0].TaskType)
	require.Equal(t, "chronic_underestimate", sum.Patterns[0].Kind)
	require.InDelta(t, 1.5, sum.Patterns[0].Factor, 0.001)

	// No leftover temp files next to the target.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	select {
	case ev := <-summarized:
		require.Equal(t, "u1", ev.Payload["user_id"])
		require.Equal(t, 1, ev.Payload["patterns"])
	case <-time.After(2 * time.Second):
		t.Fatal("summarized event not published")
	}
	select {
	case ev := <-patterns:
		require.Equal(t, "email", ev.Payload["task_type"])
	case <-time.After(2 * time.Second):
		t.Fatal("pattern event not published")
	}
}

func TestExportUnknownUserStillWrites(t *testing.T) {
	e, _, _ := newTestExporter(t)
	path := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, e.Export(context.Background(), "nobody", path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var sum Summary
	require.NoError(t, json.Unmarshal(raw, &sum))
	require.Nil(t, sum.User)
	require.Empty(t, sum.Sessions)
}

func TestDetectPatternsBand(t *testing.T) {
	e, st, _ := newTestExporter(t)
	seedHistory(t, st, "admin", 20, 10)  // 0.5x: chronic overestimate
	seedHistory(t, st, "coding", 10, 11) // inside the band

	patterns, err := e.detectPatterns(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	require.Equal(t, "admin", patterns[0].TaskType)
	require.Equal(t, "chronic_overestimate", patterns[0].Kind)
}
