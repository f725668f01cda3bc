// SPDX-License-Identifier: MIT

package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/log"
)

// FocusGuard counts a block of focus time down and fires warnings at
// configured remaining-time thresholds before declaring the block
// expired. The block can be rescheduled while it runs; the countdown is
// then recomputed from the original start, never from the reschedule.
type FocusGuard struct {
	id         string
	clk        clock.Clock
	bus        *bus.Bus
	snaps      SnapshotStore
	logger     zerolog.Logger
	thresholds []time.Duration

	mu        sync.Mutex
	st        State
	label     string
	startedAt time.Time
	deadline  time.Time
	nextAt    time.Time
	warnIdx   int
	pending   int
	warnings  int
	started   bool

	cmds   chan fgReschedule
	stopCh chan struct{}
	done   chan struct{}
}

type fgReschedule struct {
	total time.Duration
	reply chan error
}

// FocusGuardStatus is a point-in-time view of a running instance.
type FocusGuardStatus struct {
	MachineID    string
	State        State
	Label        string
	WarningsSent int
	Elapsed      time.Duration
	Remaining    time.Duration
}

// NewFocusGuard builds an idle instance. thresholds are remaining-time
// marks in strictly decreasing order; config validation enforces the
// ordering upstream.
func NewFocusGuard(b *bus.Bus, snaps SnapshotStore, clk clock.Clock, thresholds []time.Duration) *FocusGuard {
	ts := make([]time.Duration, len(thresholds))
	copy(ts, thresholds)
	return &FocusGuard{
		id:         uuid.NewString(),
		clk:        clk,
		bus:        b,
		snaps:      snaps,
		logger:     log.WithComponent("focusguard"),
		thresholds: ts,
		st:         StateIdle,
		pending:    -1,
		cmds:       make(chan fgReschedule),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the instance identifier carried on every published event.
func (g *FocusGuard) ID() string { return g.id }

// Start begins the countdown for total focus time. Thresholds that the
// total is already inside of never fire.
func (g *FocusGuard) Start(ctx context.Context, label string, total time.Duration) error {
	if total <= 0 {
		return fmt.Errorf("focusguard: total must be positive, got %s", total)
	}
	g.mu.Lock()
	if g.st != StateIdle {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	now := g.clk.Now()
	g.label = label
	g.startedAt = now
	g.deadline = now.Add(total)
	g.started = true
	g.apply(evStart)
	g.mu.Unlock()
	_ = ctx

	// Arm the first mark before returning so that time advanced
	// immediately after Start still lands on a live timer.
	timer := g.clk.NewTimer(g.durationToNext())
	go g.run(timer)
	return nil
}

// Reschedule replaces the block's total length. The deadline becomes the
// original start plus total; warning thresholds already in the past are
// skipped, never fired retroactively. Synchronous: when it returns nil,
// the old timer schedule is gone.
func (g *FocusGuard) Reschedule(ctx context.Context, total time.Duration) error {
	if total <= 0 {
		return fmt.Errorf("focusguard: total must be positive, got %s", total)
	}
	req := fgReschedule{total: total, reply: make(chan error, 1)}
	select {
	case g.cmds <- req:
	case <-g.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the block without an expiry event. Idempotent and
// synchronous like the rest of the lifecycle surface.
func (g *FocusGuard) Stop() {
	g.mu.Lock()
	if !g.started {
		if g.st == StateIdle {
			g.apply(evStopped)
		}
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	select {
	case g.stopCh <- struct{}{}:
	case <-g.done:
	}
	<-g.done
}

// Status reports progress; safe to call from any goroutine.
func (g *FocusGuard) Status() FocusGuardStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()
	st := FocusGuardStatus{
		MachineID:    g.id,
		State:        g.st,
		Label:        g.label,
		WarningsSent: g.warnings,
	}
	if g.started {
		st.Elapsed = now.Sub(g.startedAt)
		if rem := g.deadline.Sub(now); rem > 0 {
			st.Remaining = rem
		}
	}
	return st
}

func (g *FocusGuard) run(timer clock.Timer) {
	defer close(g.done)
	ctx := context.Background()
	defer timer.Stop()

	for {
		select {
		case <-timer.C():
			topic, payload, terminal := g.fire()
			if !terminal {
				// Re-arm before publishing so an observer of the event
				// can never race ahead of the timer.
				timer.Reset(g.durationToNext())
			}
			if topic != "" {
				g.publish(ctx, topic, payload)
			}
			if terminal {
				return
			}

		case cmd := <-g.cmds:
			err := g.rescheduleTo(cmd.total)
			timer.Reset(g.durationToNext())
			cmd.reply <- err

		case <-g.stopCh:
			g.mu.Lock()
			g.apply(evStopped)
			g.mu.Unlock()
			return
		}
	}
}

// durationToNext picks the next pending mark (warning or expiry) and
// returns how long until it. Marks already in the past are consumed
// silently.
func (g *FocusGuard) durationToNext() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()
	for i := g.warnIdx; i < len(g.thresholds); i++ {
		at := g.deadline.Add(-g.thresholds[i])
		if at.After(now) {
			g.warnIdx = i
			g.pending = i
			g.nextAt = at
			return at.Sub(now)
		}
	}
	g.pending = -1
	g.nextAt = g.deadline
	return g.deadline.Sub(now)
}

// fire handles one elapsed mark and returns the event to publish, if
// any. terminal means the loop must exit.
func (g *FocusGuard) fire() (bus.Topic, map[string]any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.st.IsTerminal() {
		return "", nil, true
	}
	if g.pending < 0 {
		total := g.deadline.Sub(g.startedAt)
		g.apply(evExpired)
		return bus.TopicFocusExpired, map[string]any{
			"label":         g.label,
			"total_minutes": total.Minutes(),
		}, true
	}

	i := g.pending
	remaining := g.thresholds[i]
	g.warnIdx = i + 1
	g.warnings++
	g.warnTo(i)
	return bus.TopicFocusWarning, map[string]any{
		"label":             g.label,
		"remaining_minutes": remaining.Minutes(),
	}, false
}

// rescheduleTo recomputes the deadline against the original start and
// resets the warning tier to match the new remaining time. Runs on the
// loop goroutine.
func (g *FocusGuard) rescheduleTo(total time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.st.IsTerminal() {
		return ErrNotRunning
	}
	old := g.st
	now := g.clk.Now()
	g.deadline = g.startedAt.Add(total)

	// Recount which thresholds are already behind us under the new
	// deadline; those count as sent-or-skipped, the rest re-arm.
	g.warnIdx = len(g.thresholds)
	for i, t := range g.thresholds {
		if g.deadline.Add(-t).After(now) {
			g.warnIdx = i
			break
		}
	}
	if g.warnIdx == 0 {
		g.st = StateRunning
	} else {
		g.st = warnStateFor(g.warnIdx - 1)
	}
	if g.st != old {
		recordTransition(KindFocusGuard, g.st)
	}
	g.logger.Info().
		Str(log.FieldMachineID, g.id).
		Str(log.FieldOldState, string(old)).
		Str(log.FieldNewState, string(g.st)).
		Dur("total", total).
		Msg("rescheduled")
	g.persistLocked()
	return nil
}

// warnTo moves into the warning tier for threshold index i. Callers hold
// g.mu.
func (g *FocusGuard) warnTo(i int) {
	to := warnStateFor(i)
	if !transitionAllowed(focusGuardTable, g.st, to) {
		g.logger.Error().
			Str(log.FieldMachineID, g.id).
			Str(log.FieldOldState, string(g.st)).
			Str(log.FieldNewState, string(to)).
			Msg("transition not allowed")
		return
	}
	old := g.st
	g.st = to
	recordTransition(KindFocusGuard, to)
	g.logger.Debug().
		Str(log.FieldMachineID, g.id).
		Str(log.FieldOldState, string(old)).
		Str(log.FieldNewState, string(to)).
		Msg("transition")
	g.persistLocked()
}

// apply executes one table transition. Callers hold g.mu.
func (g *FocusGuard) apply(ev EventKind) {
	tr, ok := transitionFor(focusGuardTable, g.st, ev)
	if !ok {
		g.logger.Error().
			Str(log.FieldMachineID, g.id).
			Str(log.FieldOldState, string(g.st)).
			Str("event", string(ev)).
			Msg("transition not allowed")
		return
	}
	old := g.st
	g.st = tr.To
	recordTransition(KindFocusGuard, tr.To)
	g.logger.Debug().
		Str(log.FieldMachineID, g.id).
		Str(log.FieldOldState, string(old)).
		Str(log.FieldNewState, string(tr.To)).
		Msg("transition")
	g.persistLocked()
}

func (g *FocusGuard) persistLocked() {
	if g.snaps == nil {
		return
	}
	snap := Snapshot{
		MachineID: g.id,
		Kind:      KindFocusGuard,
		State:     g.st,
		StartedAt: g.startedAt,
		Deadline:  g.deadline,
		NextAt:    g.nextAt,
		Meta: map[string]any{
			"label":    g.label,
			"warnings": g.warnings,
		},
	}
	if err := g.snaps.Put(context.Background(), snap); err != nil {
		g.logger.Warn().Err(err).Str(log.FieldMachineID, g.id).Msg("snapshot write failed")
	}
}

func (g *FocusGuard) publish(ctx context.Context, topic bus.Topic, payload map[string]any) {
	payload["machine_id"] = g.id
	if err := g.bus.Publish(ctx, topic, payload); err != nil {
		g.logger.Warn().Err(err).Str(log.FieldTopic, string(topic)).Msg("publish failed")
	}
}

// resume rehydrates a fresh snapshot into a live loop. Warnings whose
// marks passed while the process was down are skipped, not replayed.
func (g *FocusGuard) resume(ctx context.Context, snap *Snapshot) error {
	g.mu.Lock()
	if g.st != StateIdle {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.id = snap.MachineID
	g.label, _ = snap.Meta["label"].(string)
	switch n := snap.Meta["warnings"].(type) {
	case float64:
		g.warnings = int(n)
	case int:
		g.warnings = n
	}
	g.startedAt = snap.StartedAt
	g.deadline = snap.Deadline
	g.started = true
	g.apply(evStart)
	g.mu.Unlock()
	_ = ctx

	timer := g.clk.NewTimer(g.durationToNext())
	go g.run(timer)
	return nil
}
