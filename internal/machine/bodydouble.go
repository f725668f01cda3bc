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

// BodyDouble runs the virtual body-double accountability loop: periodic
// check-ins while a task block is active, with an escalation ping when a
// check-in goes unacknowledged past the grace period. One instance covers
// one task block and cannot be restarted.
type BodyDouble struct {
	id       string
	clk      clock.Clock
	bus      *bus.Bus
	snaps    SnapshotStore
	logger   zerolog.Logger
	interval time.Duration
	grace    time.Duration

	mu        sync.Mutex
	st        State
	task      string
	startedAt time.Time
	deadline  time.Time
	nextAt    time.Time
	checkins  int
	started   bool

	acks   chan time.Time
	stopCh chan struct{}
	done   chan struct{}
	sub    *bus.Subscription
}

// BodyDoubleStatus is a point-in-time view of a running instance.
type BodyDoubleStatus struct {
	MachineID    string
	State        State
	Task         string
	CheckinsSent int
	Elapsed      time.Duration
	Remaining    time.Duration
}

// NewBodyDouble builds an idle instance. interval is the check-in cadence,
// grace the acknowledgement window before a check-in escalates; grace must
// be shorter than interval (config validation enforces this upstream).
func NewBodyDouble(b *bus.Bus, snaps SnapshotStore, clk clock.Clock, interval, grace time.Duration) *BodyDouble {
	return &BodyDouble{
		id:       uuid.NewString(),
		clk:      clk,
		bus:      b,
		snaps:    snaps,
		logger:   log.WithComponent("bodydouble"),
		interval: interval,
		grace:    grace,
		st:       StateIdle,
		acks:     make(chan time.Time, 4),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the instance identifier carried on every published event.
func (m *BodyDouble) ID() string { return m.id }

// Start begins the block for the given task and runs it for duration.
// It subscribes the instance to acknowledgement events and publishes the
// block-started event before returning.
func (m *BodyDouble) Start(ctx context.Context, task string, duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("bodydouble: duration must be positive, got %s", duration)
	}
	m.mu.Lock()
	if m.st != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	now := m.clk.Now()
	m.task = task
	m.startedAt = now
	m.deadline = now.Add(duration)
	m.nextAt = now.Add(m.interval)
	m.started = true
	m.apply(evStart)
	m.mu.Unlock()

	sub, err := m.bus.Subscribe(bus.TopicCheckinAck, m.onAck)
	if err != nil {
		return fmt.Errorf("bodydouble: subscribe: %w", err)
	}
	m.sub = sub

	m.publish(ctx, bus.TopicFocusBlockStarted, map[string]any{
		"task":             task,
		"duration_minutes": duration.Minutes(),
	})

	// Arm the schedule before returning so that time advanced immediately
	// after Start still lands on live timers.
	phase := m.clk.NewTimer(m.interval)
	end := m.clk.NewTimer(duration)
	go m.run(phase, end)
	return nil
}

// onAck forwards acknowledgements into the run loop. A full channel means
// the loop is mid-transition and already has an ack pending; dropping the
// surplus is harmless because one ack resolves the wait.
func (m *BodyDouble) onAck(_ context.Context, ev bus.Event) error {
	if id, ok := ev.Payload["machine_id"].(string); ok && id != "" && id != m.id {
		return nil
	}
	select {
	case m.acks <- ev.EmittedAt:
	default:
	}
	return nil
}

func (m *BodyDouble) run(phase, end clock.Timer) {
	defer close(m.done)
	ctx := context.Background()
	defer phase.Stop()
	defer end.Stop()

	for {
		select {
		case <-phase.C():
			m.mu.Lock()
			// A check-in landing on or past the deadline is absorbed by
			// the block end; never fire both in the same instant.
			if !m.clk.Now().Before(m.deadline) {
				m.mu.Unlock()
				continue
			}
			switch m.st {
			case StateActive:
				m.checkins++
				n := m.checkins
				task := m.task
				m.nextAt = m.clk.Now().Add(m.grace)
				m.apply(evCheckinFired)
				m.mu.Unlock()
				// Re-arm before publishing so an observer of the event
				// can never race ahead of the timer.
				phase.Reset(m.grace)
				m.publish(ctx, bus.TopicCheckinDue, map[string]any{
					"task":           task,
					"checkin_number": n,
				})
			case StateAwaitingAck:
				// Grace ran out. Escalate once and fold back into the
				// cadence so the next check-in lands a full interval
				// after the previous one.
				n := m.checkins
				task := m.task
				next := m.interval - m.grace
				if next <= 0 {
					next = m.interval
				}
				m.nextAt = m.clk.Now().Add(next)
				m.apply(evEscalated)
				m.mu.Unlock()
				phase.Reset(next)
				m.publish(ctx, bus.TopicCheckinDue, map[string]any{
					"task":           task,
					"checkin_number": n,
					"overdue":        true,
				})
			default:
				m.mu.Unlock()
			}

		case <-m.acks:
			m.mu.Lock()
			if m.st != StateAwaitingAck {
				m.mu.Unlock()
				continue
			}
			// The next check-in counts from the acknowledgement, not
			// from the original schedule, so a slow ack never causes
			// two check-ins back to back. Re-arm before the state
			// change becomes visible.
			phase.Reset(m.interval)
			m.nextAt = m.clk.Now().Add(m.interval)
			m.apply(evAck)
			m.mu.Unlock()

		case <-end.C():
			m.mu.Lock()
			task := m.task
			elapsed := m.clk.Now().Sub(m.startedAt)
			n := m.checkins
			m.apply(evCompleted)
			m.mu.Unlock()
			m.publish(ctx, bus.TopicFocusBlockEnded, map[string]any{
				"task":            task,
				"status":          "completed",
				"elapsed_minutes": elapsed.Minutes(),
				"checkins_sent":   n,
			})
			m.finish()
			return

		case <-m.stopCh:
			m.mu.Lock()
			task := m.task
			elapsed := m.clk.Now().Sub(m.startedAt)
			n := m.checkins
			m.apply(evStopped)
			m.mu.Unlock()
			m.publish(ctx, bus.TopicFocusBlockEnded, map[string]any{
				"task":            task,
				"status":          "stopped",
				"elapsed_minutes": elapsed.Minutes(),
				"checkins_sent":   n,
			})
			m.finish()
			return
		}
	}
}

// Stop ends the block. It is idempotent and synchronous: when it returns,
// the run loop has exited and the final event has been handed to the bus.
func (m *BodyDouble) Stop() {
	m.mu.Lock()
	if !m.started {
		if m.st == StateIdle {
			m.apply(evStopped)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	select {
	case m.stopCh <- struct{}{}:
	case <-m.done:
	}
	<-m.done
}

// Status reports progress; safe to call from any goroutine.
func (m *BodyDouble) Status() BodyDoubleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	st := BodyDoubleStatus{
		MachineID:    m.id,
		State:        m.st,
		Task:         m.task,
		CheckinsSent: m.checkins,
	}
	if m.started {
		st.Elapsed = now.Sub(m.startedAt)
		if rem := m.deadline.Sub(now); rem > 0 {
			st.Remaining = rem
		}
	}
	return st
}

// resume rehydrates a fresh snapshot into a live loop. A pending
// acknowledgement does not survive a restart, so the instance re-arms in
// the active state and schedules the next check-in a full interval out.
func (m *BodyDouble) resume(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	if m.st != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.id = snap.MachineID
	m.task, _ = snap.Meta["task"].(string)
	switch n := snap.Meta["checkins"].(type) {
	case float64:
		m.checkins = int(n)
	case int:
		m.checkins = n
	}
	m.startedAt = snap.StartedAt
	m.deadline = snap.Deadline
	m.nextAt = m.clk.Now().Add(m.interval)
	m.started = true
	m.apply(evStart)
	m.mu.Unlock()

	sub, err := m.bus.Subscribe(bus.TopicCheckinAck, m.onAck)
	if err != nil {
		return fmt.Errorf("bodydouble: subscribe: %w", err)
	}
	m.sub = sub
	_ = ctx

	phase := m.clk.NewTimer(m.interval)
	end := m.clk.NewTimer(m.deadline.Sub(m.clk.Now()))
	go m.run(phase, end)
	return nil
}

// apply executes one table transition. Callers hold m.mu.
func (m *BodyDouble) apply(ev EventKind) {
	tr, ok := transitionFor(bodyDoubleTable, m.st, ev)
	if !ok {
		m.logger.Error().
			Str(log.FieldMachineID, m.id).
			Str(log.FieldOldState, string(m.st)).
			Str("event", string(ev)).
			Msg("transition not allowed")
		return
	}
	old := m.st
	m.st = tr.To
	recordTransition(KindBodyDouble, tr.To)
	m.logger.Debug().
		Str(log.FieldMachineID, m.id).
		Str(log.FieldOldState, string(old)).
		Str(log.FieldNewState, string(tr.To)).
		Msg("transition")
	m.persistLocked()
}

func (m *BodyDouble) persistLocked() {
	if m.snaps == nil {
		return
	}
	snap := Snapshot{
		MachineID: m.id,
		Kind:      KindBodyDouble,
		State:     m.st,
		StartedAt: m.startedAt,
		Deadline:  m.deadline,
		NextAt:    m.nextAt,
		Meta: map[string]any{
			"task":     m.task,
			"checkins": m.checkins,
		},
	}
	if err := m.snaps.Put(context.Background(), snap); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldMachineID, m.id).Msg("snapshot write failed")
	}
}

func (m *BodyDouble) publish(ctx context.Context, topic bus.Topic, payload map[string]any) {
	payload["machine_id"] = m.id
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldTopic, string(topic)).Msg("publish failed")
	}
}

func (m *BodyDouble) finish() {
	if m.sub != nil {
		m.sub.Cancel()
	}
}
