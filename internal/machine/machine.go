// SPDX-License-Identifier: MIT

// Package machine holds the two deterministic state machines: the
// body-double accountability loop and the focus-guard countdown. Both run
// without any model call. Every transition of an instance executes inside
// that instance's single run goroutine, so concurrent transitions are
// structurally impossible.
package machine

import (
	"context"
	"time"

	"github.com/VJDiPaola/ADHD-OS/internal/metrics"
)

// Kind discriminates machine snapshots.
type Kind string

const (
	KindBodyDouble Kind = "body_double"
	KindFocusGuard Kind = "focus_guard"
)

// State is the machine lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateActive      State = "active"
	StateAwaitingAck State = "awaiting_ack"
	StateRunning     State = "running"
	StateWarn30      State = "warn_30"
	StateWarn10      State = "warn_10"
	StateWarn5       State = "warn_5"
	StateExpired     State = "expired"
	StateStopped     State = "stopped"
)

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateExpired
}

// EventKind names the internal triggers driving transitions.
type EventKind string

const (
	evStart        EventKind = "start"
	evCheckinFired EventKind = "checkin_fired"
	evAck          EventKind = "ack"
	evEscalated    EventKind = "escalated"
	evWarned       EventKind = "warned"
	evExpired      EventKind = "expired"
	evCompleted    EventKind = "completed"
	evStopped      EventKind = "stopped"
)

// transition is a single allowed edge in a machine's state graph.
type transition struct {
	From  State
	To    State
	Event EventKind
}

var bodyDoubleTable = []transition{
	{From: StateIdle, To: StateActive, Event: evStart},
	{From: StateActive, To: StateAwaitingAck, Event: evCheckinFired},
	{From: StateAwaitingAck, To: StateActive, Event: evAck},
	// An unacknowledged check-in escalates and the loop carries on; it
	// never goes quiet and never blocks on the user.
	{From: StateAwaitingAck, To: StateActive, Event: evEscalated},
	{From: StateActive, To: StateStopped, Event: evCompleted},
	{From: StateAwaitingAck, To: StateStopped, Event: evCompleted},
	{From: StateIdle, To: StateStopped, Event: evStopped},
	{From: StateActive, To: StateStopped, Event: evStopped},
	{From: StateAwaitingAck, To: StateStopped, Event: evStopped},
}

var focusGuardTable = []transition{
	{From: StateIdle, To: StateRunning, Event: evStart},
	{From: StateRunning, To: StateWarn30, Event: evWarned},
	{From: StateWarn30, To: StateWarn10, Event: evWarned},
	{From: StateWarn10, To: StateWarn5, Event: evWarned},
	// Tiers can be entered out of order when a short block starts (or is
	// rescheduled) inside a threshold, so the earlier tiers are skipped.
	{From: StateRunning, To: StateWarn10, Event: evWarned},
	{From: StateRunning, To: StateWarn5, Event: evWarned},
	{From: StateWarn30, To: StateWarn5, Event: evWarned},
	{From: StateRunning, To: StateExpired, Event: evExpired},
	{From: StateWarn30, To: StateExpired, Event: evExpired},
	{From: StateWarn10, To: StateExpired, Event: evExpired},
	{From: StateWarn5, To: StateExpired, Event: evExpired},
	{From: StateIdle, To: StateStopped, Event: evStopped},
	{From: StateRunning, To: StateStopped, Event: evStopped},
	{From: StateWarn30, To: StateStopped, Event: evStopped},
	{From: StateWarn10, To: StateStopped, Event: evStopped},
	{From: StateWarn5, To: StateStopped, Event: evStopped},
}

// transitionFor returns the allowed transition for a state+event pair.
func transitionFor(table []transition, from State, ev EventKind) (transition, bool) {
	for _, tr := range table {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return transition{}, false
}

// transitionAllowed reports whether a specific from→to edge exists.
func transitionAllowed(table []transition, from, to State) bool {
	for _, tr := range table {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

// Snapshot is the persisted progress of one machine instance. Machines
// publish copies of their data onto the bus, never shared references;
// the snapshot row is owned by the instance alone.
type Snapshot struct {
	MachineID string         `json:"machine_id"`
	Kind      Kind           `json:"kind"`
	State     State          `json:"state"`
	StartedAt time.Time      `json:"started_at"`
	Deadline  time.Time      `json:"deadline"`
	NextAt    time.Time      `json:"next_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// SnapshotStore persists machine snapshots. Implementations live in
// machine/store.
type SnapshotStore interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, machineID string) (*Snapshot, error)
	List(ctx context.Context) ([]*Snapshot, error)
	Delete(ctx context.Context, machineID string) error
	Close() error
}

func recordTransition(kind Kind, to State) {
	metrics.MachineTransitionsTotal.WithLabelValues(string(kind), string(to)).Inc()
}

// warnStateFor maps the index of a fired warning threshold onto the
// named warning tier. Extra configured thresholds beyond three stay in
// the last tier.
func warnStateFor(index int) State {
	switch index {
	case 0:
		return StateWarn30
	case 1:
		return StateWarn10
	default:
		return StateWarn5
	}
}
