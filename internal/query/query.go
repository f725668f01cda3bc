// SPDX-License-Identifier: MIT

// Package query is the read-only view layer over the stored state: the
// dashboard and estimate endpoints read through here and never mutate
// anything.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/state"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

const defaultHistoryLimit = 20

// Service bundles the read paths. All methods derive time-dependent
// values (multiplier, peak-window position) at call time; nothing
// time-dependent is ever served from a stored copy.
type Service struct {
	store  *store.Store
	bus    *bus.Bus
	clk    clock.Clock
	window state.PeakWindow
	logger zerolog.Logger
}

func New(st *store.Store, b *bus.Bus, clk clock.Clock, window state.PeakWindow) *Service {
	return &Service{
		store:  st,
		bus:    b,
		clk:    clk,
		window: window,
		logger: log.WithComponent("query"),
	}
}

// UserStateView is the dashboard's view of a user: the stored snapshot
// plus everything derived from it right now.
type UserStateView struct {
	UserID         string             `json:"user_id"`
	Energy         int                `json:"energy"`
	CurrentTask    *string            `json:"current_task"`
	MedicationTime *time.Time         `json:"medication_time"`
	Multiplier     float64            `json:"multiplier"`
	PeakWindow     state.WindowStatus `json:"peak_window"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (s *Service) UserState(ctx context.Context, userID string) (*UserStateView, error) {
	snap, err := s.store.GetUserState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("query: user state: %w", err)
	}
	now := s.clk.Now()
	inPeak := s.window.Contains(snap.MedicationTime, now)
	return &UserStateView{
		UserID:         snap.UserID,
		Energy:         snap.Energy,
		CurrentTask:    snap.CurrentTask,
		MedicationTime: snap.MedicationTime,
		Multiplier:     state.Multiplier(snap.Energy, now.Hour(), inPeak),
		PeakWindow:     s.window.Status(snap.MedicationTime, now),
		UpdatedAt:      snap.UpdatedAt,
	}, nil
}

// EstimateView is a corrected time estimate. TaskTypeFactor comes from
// completed history of the same task type when enough of it exists;
// otherwise it stays at 1 and Source says so.
type EstimateView struct {
	TaskType         string  `json:"task_type"`
	RawMinutes       int     `json:"raw_minutes"`
	Multiplier       float64 `json:"multiplier"`
	TaskTypeFactor   float64 `json:"task_type_factor"`
	CorrectedMinutes int     `json:"corrected_minutes"`
	Source           string  `json:"source"` // "learned" or "default"
}

func (s *Service) Estimate(ctx context.Context, userID, taskType string, rawMinutes int) (*EstimateView, error) {
	if rawMinutes <= 0 {
		return nil, fmt.Errorf("query: raw minutes must be positive, got %d", rawMinutes)
	}
	snap, err := s.store.GetUserState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("query: user state: %w", err)
	}
	now := s.clk.Now()
	inPeak := s.window.Contains(snap.MedicationTime, now)
	mult := state.Multiplier(snap.Energy, now.Hour(), inPeak)

	factor, learned, err := s.store.TaskTypeMultiplier(ctx, taskType)
	if err != nil {
		return nil, fmt.Errorf("query: task type multiplier: %w", err)
	}
	source := "default"
	if learned {
		source = "learned"
	} else {
		factor = 1.0
	}

	corrected := int(math.Ceil(float64(rawMinutes) * mult * factor))
	return &EstimateView{
		TaskType:         taskType,
		RawMinutes:       rawMinutes,
		Multiplier:       mult,
		TaskTypeFactor:   factor,
		CorrectedMinutes: corrected,
		Source:           source,
	}, nil
}

// SessionSummary lists a session without exposing the raw state blob.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	StateKeys []string  `json:"state_keys"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Service) Sessions(ctx context.Context, userID string) ([]SessionSummary, error) {
	recs, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("query: sessions: %w", err)
	}
	out := make([]SessionSummary, 0, len(recs))
	for _, rec := range recs {
		keys := make([]string, 0, len(rec.State))
		for k := range rec.State {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = append(out, SessionSummary{
			SessionID: rec.SessionID,
			Version:   rec.Version,
			StateKeys: keys,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out, nil
}

// History returns the latest completed tasks of one type, newest first.
func (s *Service) History(ctx context.Context, taskType string, limit int) ([]store.TaskRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	recs, err := s.store.TaskHistory(ctx, taskType, limit)
	if err != nil {
		return nil, fmt.Errorf("query: history: %w", err)
	}
	return recs, nil
}

// RecentEvents exposes the bus ring buffer for the dashboard feed.
func (s *Service) RecentEvents(n int) []bus.Event {
	return s.bus.Recent(n)
}
