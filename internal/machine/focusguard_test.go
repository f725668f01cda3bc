// SPDX-License-Identifier: MIT

package machine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/machine"
)

var defaultThresholds = []time.Duration{30 * time.Minute, 10 * time.Minute, 5 * time.Minute}

func TestFocusGuardWarningSchedule(t *testing.T) {
	h := newHarness(t)
	warnings := h.collect(t, bus.TopicFocusWarning)
	expired := h.collect(t, bus.TopicFocusExpired)

	g := machine.NewFocusGuard(h.bus, h.snaps, h.fc, defaultThresholds)
	require.NoError(t, g.Start(context.Background(), "deep work", 40*time.Minute))
	defer g.Stop()

	// 40 minute block: marks at minute 10, 30 and 35, expiry at 40.
	h.fc.Advance(10 * time.Minute)
	ev := awaitEvent(t, warnings)
	require.Equal(t, float64(30), ev.Payload["remaining_minutes"])
	require.Equal(t, machine.StateWarn30, g.Status().State)

	h.fc.Advance(20 * time.Minute)
	ev = awaitEvent(t, warnings)
	require.Equal(t, float64(10), ev.Payload["remaining_minutes"])
	require.Equal(t, machine.StateWarn10, g.Status().State)

	h.fc.Advance(5 * time.Minute)
	ev = awaitEvent(t, warnings)
	require.Equal(t, float64(5), ev.Payload["remaining_minutes"])
	require.Equal(t, machine.StateWarn5, g.Status().State)

	h.fc.Advance(5 * time.Minute)
	ev = awaitEvent(t, expired)
	require.Equal(t, "deep work", ev.Payload["label"])
	require.Equal(t, float64(40), ev.Payload["total_minutes"])
	require.Equal(t, machine.StateExpired, g.Status().State)
	requireNoEvent(t, warnings)
	require.Equal(t, 3, g.Status().WarningsSent)
}

// Extending a block recomputes everything from the original start.
func TestFocusGuardRescheduleKeepsOrigin(t *testing.T) {
	h := newHarness(t)
	warnings := h.collect(t, bus.TopicFocusWarning)
	expired := h.collect(t, bus.TopicFocusExpired)
	ctx := context.Background()

	g := machine.NewFocusGuard(h.bus, h.snaps, h.fc, defaultThresholds)
	require.NoError(t, g.Start(ctx, "deep work", 40*time.Minute))
	defer g.Stop()

	// Five minutes in, stretch the block to sixty. The deadline is now
	// start plus sixty, so marks land at minute 30, 50 and 55.
	h.fc.Advance(5 * time.Minute)
	require.NoError(t, g.Reschedule(ctx, 60*time.Minute))

	// The old minute-10 mark is gone.
	h.fc.Advance(5 * time.Minute)
	requireNoEvent(t, warnings)

	h.fc.Advance(20 * time.Minute)
	ev := awaitEvent(t, warnings)
	require.Equal(t, float64(30), ev.Payload["remaining_minutes"])

	h.fc.Advance(20 * time.Minute)
	ev = awaitEvent(t, warnings)
	require.Equal(t, float64(10), ev.Payload["remaining_minutes"])

	h.fc.Advance(5 * time.Minute)
	ev = awaitEvent(t, warnings)
	require.Equal(t, float64(5), ev.Payload["remaining_minutes"])

	h.fc.Advance(5 * time.Minute)
	ev = awaitEvent(t, expired)
	require.Equal(t, float64(60), ev.Payload["total_minutes"])
}

// A block shorter than the outer thresholds only fires the marks it can
// still reach.
func TestFocusGuardShortBlockSkipsOuterThresholds(t *testing.T) {
	h := newHarness(t)
	warnings := h.collect(t, bus.TopicFocusWarning)
	expired := h.collect(t, bus.TopicFocusExpired)

	g := machine.NewFocusGuard(h.bus, h.snaps, h.fc, defaultThresholds)
	require.NoError(t, g.Start(context.Background(), "quick fix", 8*time.Minute))
	defer g.Stop()

	h.fc.Advance(3 * time.Minute)
	ev := awaitEvent(t, warnings)
	require.Equal(t, float64(5), ev.Payload["remaining_minutes"])
	require.Equal(t, machine.StateWarn5, g.Status().State)

	h.fc.Advance(5 * time.Minute)
	awaitEvent(t, expired)
	require.Equal(t, 1, g.Status().WarningsSent)
}

// Shrinking a block never fires thresholds retroactively.
func TestFocusGuardRescheduleShrink(t *testing.T) {
	h := newHarness(t)
	warnings := h.collect(t, bus.TopicFocusWarning)
	expired := h.collect(t, bus.TopicFocusExpired)
	ctx := context.Background()

	g := machine.NewFocusGuard(h.bus, h.snaps, h.fc, defaultThresholds)
	require.NoError(t, g.Start(ctx, "deep work", time.Hour))
	defer g.Stop()

	// Five minutes in, cut to twenty: the 30-minute mark is already in
	// the past under the new deadline and must stay silent.
	h.fc.Advance(5 * time.Minute)
	require.NoError(t, g.Reschedule(ctx, 20*time.Minute))

	h.fc.Advance(5 * time.Minute)
	ev := awaitEvent(t, warnings)
	require.Equal(t, float64(10), ev.Payload["remaining_minutes"])

	h.fc.Advance(5 * time.Minute)
	ev = awaitEvent(t, warnings)
	require.Equal(t, float64(5), ev.Payload["remaining_minutes"])

	h.fc.Advance(5 * time.Minute)
	awaitEvent(t, expired)
	require.Equal(t, 2, g.Status().WarningsSent)
}

// The first mark is scheduled before Start returns: advancing the clock
// in the very next statement, with no yield to the run loop, must still
// fire the warning.
func TestFocusGuardMarkArmedOnStartReturn(t *testing.T) {
	h := newHarness(t)
	warnings := h.collect(t, bus.TopicFocusWarning)

	g := machine.NewFocusGuard(h.bus, h.snaps, h.fc, defaultThresholds)
	require.NoError(t, g.Start(context.Background(), "deep work", 40*time.Minute))
	defer g.Stop()
	h.fc.Advance(10 * time.Minute)

	ev := awaitEvent(t, warnings)
	require.Equal(t, float64(30), ev.Payload["remaining_minutes"])
}

func TestFocusGuardTerminalReschedule(t *testing.T) {
	h := newHarness(t)
	expired := h.collect(t, bus.TopicFocusExpired)
	ctx := context.Background()

	g := machine.NewFocusGuard(h.bus, h.snaps, h.fc, defaultThresholds)
	require.NoError(t, g.Start(ctx, "sprint", 4*time.Minute))

	h.fc.Advance(4 * time.Minute)
	awaitEvent(t, expired)

	require.ErrorIs(t, g.Reschedule(ctx, 10*time.Minute), machine.ErrNotRunning)
	g.Stop() // no-op on a terminal instance
	require.Equal(t, machine.StateExpired, g.Status().State)
}

func TestFocusGuardStopIsQuiet(t *testing.T) {
	h := newHarness(t)
	warnings := h.collect(t, bus.TopicFocusWarning)
	expired := h.collect(t, bus.TopicFocusExpired)

	g := machine.NewFocusGuard(h.bus, h.snaps, h.fc, defaultThresholds)
	require.NoError(t, g.Start(context.Background(), "deep work", 40*time.Minute))

	h.fc.Advance(10 * time.Minute)
	awaitEvent(t, warnings)

	g.Stop()
	g.Stop()
	h.fc.Advance(time.Hour)
	requireNoEvent(t, warnings)
	requireNoEvent(t, expired)
	require.Equal(t, machine.StateStopped, g.Status().State)

	snap, err := h.snaps.Get(context.Background(), g.ID())
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, machine.StateStopped, snap.State)
}
