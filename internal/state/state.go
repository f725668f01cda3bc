// SPDX-License-Identifier: MIT

// Package state models the user's current state and the time-estimate
// correction derived from it.
package state

import "time"

// Snapshot is the persisted user state. CurrentTask and MedicationTime
// are explicitly nullable; a nil CurrentTask means "no task" and is
// persisted as such. The multiplier is never part of the snapshot: it is
// recomputed from the snapshot plus the current time, so a stale value
// cannot leak across sessions.
type Snapshot struct {
	UserID         string
	Energy         int // 1..10
	MedicationTime *time.Time
	CurrentTask    *string
	UpdatedAt      time.Time
}

// PeakWindow is the configured optimal-focus period, expressed as
// offsets from medication time.
type PeakWindow struct {
	StartOffset time.Duration
	EndOffset   time.Duration
}

// Contains reports whether now falls inside the peak window anchored at
// the medication time. A nil medication time means no peak window.
func (w PeakWindow) Contains(medicationTime *time.Time, now time.Time) bool {
	if medicationTime == nil {
		return false
	}
	start := medicationTime.Add(w.StartOffset)
	end := medicationTime.Add(w.EndOffset)
	return !now.Before(start) && !now.After(end)
}

// WindowStatus describes where now sits relative to the peak window.
type WindowStatus struct {
	Active           bool
	Reason           string // "no_medication_logged", "not_yet", "ended", or "" when active
	MinutesUntilPeak int
	MinutesRemaining int
}

// Status returns the detailed peak-window position for dashboards.
func (w PeakWindow) Status(medicationTime *time.Time, now time.Time) WindowStatus {
	if medicationTime == nil {
		return WindowStatus{Reason: "no_medication_logged"}
	}
	start := medicationTime.Add(w.StartOffset)
	end := medicationTime.Add(w.EndOffset)
	switch {
	case now.Before(start):
		return WindowStatus{Reason: "not_yet", MinutesUntilPeak: int(start.Sub(now).Minutes())}
	case now.After(end):
		return WindowStatus{Reason: "ended"}
	default:
		return WindowStatus{Active: true, MinutesRemaining: int(end.Sub(now).Minutes())}
	}
}
