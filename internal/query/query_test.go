// SPDX-License-Identifier: MIT

package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/state"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

// 10:00, one hour after the seeded medication time, inside the peak
// window. Energy 8 keeps the multiplier at 1.4.
var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.Store, *bus.Bus, *clock.FakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fc := clock.NewFakeClock(testNow)
	b := bus.New(fc)
	t.Cleanup(func() { b.Close() })

	window := state.PeakWindow{StartOffset: time.Hour, EndOffset: 5 * time.Hour}
	return New(st, b, fc, window), st, b, fc
}

func seedUser(t *testing.T, st *store.Store, userID string) {
	t.Helper()
	med := testNow.Add(-time.Hour)
	task := "write report"
	require.NoError(t, st.SaveUserState(context.Background(), state.Snapshot{
		UserID:         userID,
		Energy:         8,
		MedicationTime: &med,
		CurrentTask:    &task,
		UpdatedAt:      testNow,
	}))
}

func TestUserStateView(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	seedUser(t, st, "u1")

	view, err := svc.UserState(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 8, view.Energy)
	require.NotNil(t, view.CurrentTask)
	require.Equal(t, "write report", *view.CurrentTask)
	require.Equal(t, 1.4, view.Multiplier)
	require.True(t, view.PeakWindow.Active)
	require.Equal(t, 240, view.PeakWindow.MinutesRemaining)
}

func TestUserStateNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.UserState(context.Background(), "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEstimateUsesLearnedFactor(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	seedUser(t, st, "u1")
	ctx := context.Background()

	view, err := svc.Estimate(ctx, "u1", "email", 10)
	require.NoError(t, err)
	require.Equal(t, "default", view.Source)
	require.Equal(t, 1.0, view.TaskTypeFactor)
	require.Equal(t, 14, view.CorrectedMinutes) // ceil(10 * 1.4)

	// Three completions at 1.5x the estimate flip the factor to learned.
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendTaskHistory(ctx, store.TaskRecord{
			TaskType:         "email",
			EstimatedMinutes: 10,
			ActualMinutes:    15,
			EnergyLevel:      8,
			InPeakWindow:     true,
			CreatedAt:        testNow,
		}))
	}

	view, err = svc.Estimate(ctx, "u1", "email", 10)
	require.NoError(t, err)
	require.Equal(t, "learned", view.Source)
	require.Equal(t, 1.5, view.TaskTypeFactor)
	require.Equal(t, 21, view.CorrectedMinutes) // ceil(10 * 1.4 * 1.5)
}

func TestSessionSummaries(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureSession(ctx, "s1", "u1"))
	_, err := st.UpdateSession(ctx, "s1", func(rec *store.SessionRecord) error {
		rec.State["mood"] = "ok"
		rec.State["count"] = 2
		return nil
	})
	require.NoError(t, err)

	views, err := svc.Sessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "s1", views[0].SessionID)
	require.Equal(t, int64(2), views[0].Version)
	require.Equal(t, []string{"count", "mood"}, views[0].StateKeys)
}

func TestHTTPRoutes(t *testing.T) {
	svc, st, b, _ := newTestService(t)
	seedUser(t, st, "u1")

	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view UserStateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.Equal(t, "u1", view.UserID)
	require.Equal(t, 1.4, view.Multiplier)

	resp, err = http.Get(srv.URL + "/state/nobody")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/estimate/u1?task_type=email&minutes=abc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/estimate/u1?task_type=email&minutes=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var est EstimateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&est))
	require.Equal(t, 14, est.CorrectedMinutes)

	// Event feed reflects the bus ring.
	require.NoError(t, b.Publish(context.Background(), bus.TopicEnergyUpdated, map[string]any{"energy": 6}))
	require.Eventually(t, func() bool {
		return len(svc.RecentEvents(10)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp, err = http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	var events []bus.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	require.Equal(t, bus.TopicEnergyUpdated, events[0].Topic)
}
