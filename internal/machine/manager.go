// SPDX-License-Identifier: MIT

package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/log"
)

// ManagerOptions carries the machine defaults applied to rehydrated
// instances.
type ManagerOptions struct {
	CheckinInterval time.Duration
	CheckinGrace    time.Duration
	WarnThresholds  []time.Duration

	// StaleGrace is how far past its deadline a persisted snapshot may be
	// and still resume. Anything older is retired without firing.
	StaleGrace time.Duration
}

// Manager rehydrates persisted machine snapshots at boot and retires the
// ones whose block ended while the process was down.
type Manager struct {
	bus    *bus.Bus
	snaps  SnapshotStore
	clk    clock.Clock
	logger zerolog.Logger
	opts   ManagerOptions
}

// Resumed is the outcome of one Resume pass.
type Resumed struct {
	BodyDoubles []*BodyDouble
	FocusGuards []*FocusGuard
	Retired     int
}

func NewManager(b *bus.Bus, snaps SnapshotStore, clk clock.Clock, opts ManagerOptions) *Manager {
	return &Manager{
		bus:    b,
		snaps:  snaps,
		clk:    clk,
		logger: log.WithComponent("machinemgr"),
		opts:   opts,
	}
}

// Resume scans every persisted snapshot. Terminal snapshots are left
// alone. Non-terminal snapshots whose deadline plus the stale grace has
// passed are retired in place, never resumed. The rest come back up as
// live instances with their remaining schedule; marks that passed during
// the downtime are skipped, not replayed.
func (mgr *Manager) Resume(ctx context.Context) (*Resumed, error) {
	snaps, err := mgr.snaps.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("machine: list snapshots: %w", err)
	}

	now := mgr.clk.Now()
	out := &Resumed{}
	for _, snap := range snaps {
		if snap.State.IsTerminal() || snap.State == StateIdle {
			continue
		}
		if now.After(snap.Deadline.Add(mgr.opts.StaleGrace)) {
			if err := mgr.retire(ctx, snap); err != nil {
				mgr.logger.Warn().Err(err).
					Str(log.FieldMachineID, snap.MachineID).
					Msg("retire failed")
				continue
			}
			out.Retired++
			continue
		}

		switch snap.Kind {
		case KindBodyDouble:
			m := NewBodyDouble(mgr.bus, mgr.snaps, mgr.clk, mgr.opts.CheckinInterval, mgr.opts.CheckinGrace)
			if err := m.resume(ctx, snap); err != nil {
				mgr.logger.Warn().Err(err).
					Str(log.FieldMachineID, snap.MachineID).
					Msg("resume failed")
				continue
			}
			out.BodyDoubles = append(out.BodyDoubles, m)
		case KindFocusGuard:
			g := NewFocusGuard(mgr.bus, mgr.snaps, mgr.clk, mgr.opts.WarnThresholds)
			if err := g.resume(ctx, snap); err != nil {
				mgr.logger.Warn().Err(err).
					Str(log.FieldMachineID, snap.MachineID).
					Msg("resume failed")
				continue
			}
			out.FocusGuards = append(out.FocusGuards, g)
		default:
			mgr.logger.Warn().
				Str(log.FieldMachineID, snap.MachineID).
				Str(log.FieldKind, string(snap.Kind)).
				Msg("unknown machine kind in snapshot store")
		}
	}

	mgr.logger.Info().
		Int("resumed_body_double", len(out.BodyDoubles)).
		Int("resumed_focus_guard", len(out.FocusGuards)).
		Int("retired", out.Retired).
		Msg("snapshot resume complete")
	return out, nil
}

func (mgr *Manager) retire(ctx context.Context, snap *Snapshot) error {
	old := snap.State
	updated := *snap
	updated.State = StateStopped
	if err := mgr.snaps.Put(ctx, updated); err != nil {
		return err
	}
	recordTransition(snap.Kind, StateStopped)
	mgr.logger.Info().
		Str(log.FieldMachineID, snap.MachineID).
		Str(log.FieldKind, string(snap.Kind)).
		Str(log.FieldOldState, string(old)).
		Msg("stale snapshot retired")
	return nil
}
