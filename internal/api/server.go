// SPDX-License-Identifier: MIT

// Package api is the daemon's HTTP surface: state updates, block
// control, plan cache access, and the mounted read-only query routes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/cache"
	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/machine"
	"github.com/VJDiPaola/ADHD-OS/internal/query"
	"github.com/VJDiPaola/ADHD-OS/internal/state"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

// Options are the configured knobs the server applies to machines it
// starts and to peak-window checks.
type Options struct {
	CheckinInterval time.Duration
	CheckinGrace    time.Duration
	WarnThresholds  []time.Duration
	SessionDuration time.Duration
	PeakWindow      state.PeakWindow
}

// Server owns the live machine registry and glues every subsystem to
// HTTP. All mutation flows through here or through the bus.
type Server struct {
	store    *store.Store
	bus      *bus.Bus
	cache    *cache.Cache
	query    *query.Service
	snaps  machine.SnapshotStore
	clk    clock.Clock
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	bodyDoubles map[string]*machine.BodyDouble
	focusGuards map[string]*machine.FocusGuard
}

func NewServer(st *store.Store, b *bus.Bus, c *cache.Cache, q *query.Service, snaps machine.SnapshotStore, clk clock.Clock, opts Options) *Server {
	return &Server{
		store:       st,
		bus:         b,
		cache:       c,
		query:       q,
		snaps:       snaps,
		clk:         clk,
		opts:        opts,
		logger:      log.WithComponent("api"),
		bodyDoubles: make(map[string]*machine.BodyDouble),
		focusGuards: make(map[string]*machine.FocusGuard),
	}
}

// Adopt registers machines rehydrated at boot so they are visible and
// stoppable over the API.
func (s *Server) Adopt(res *machine.Resumed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range res.BodyDoubles {
		s.bodyDoubles[m.ID()] = m
	}
	for _, g := range res.FocusGuards {
		s.focusGuards[g.ID()] = g
	}
}

// StopAll quiesces every registered machine; used during shutdown.
func (s *Server) StopAll() {
	s.mu.Lock()
	bds := make([]*machine.BodyDouble, 0, len(s.bodyDoubles))
	for _, m := range s.bodyDoubles {
		bds = append(bds, m)
	}
	fgs := make([]*machine.FocusGuard, 0, len(s.focusGuards))
	for _, g := range s.focusGuards {
		fgs = append(fgs, g)
	}
	s.mu.Unlock()
	for _, m := range bds {
		m.Stop()
	}
	for _, g := range fgs {
		g.Stop()
	}
}

// Router assembles the full daemon mux.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Mount("/dash", s.query.Routes())

		r.Post("/state/{userID}/energy", s.handleEnergy)
		r.Post("/state/{userID}/medication", s.handleMedication)
		r.Post("/state/{userID}/task", s.handleTaskStart)
		r.Post("/state/{userID}/task/complete", s.handleTaskComplete)

		r.Post("/ack", s.handleAck)
		r.Get("/blocks", s.handleBlocks)
		r.Post("/blocks/body-double", s.handleStartBodyDouble)
		r.Post("/blocks/focus", s.handleStartFocusGuard)
		r.Post("/blocks/focus/{machineID}/reschedule", s.handleReschedule)
		r.Delete("/blocks/{machineID}", s.handleStopBlock)

		r.Get("/plan", s.handlePlanLookup)
		r.Post("/plan", s.handlePlanStore)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- user state mutations ---

// mutateUserState does a read-modify-write of the user snapshot. A
// missing row starts from a zero snapshot so first-contact updates work.
func (s *Server) mutateUserState(r *http.Request, userID string, fn func(*state.Snapshot)) (state.Snapshot, error) {
	snap, err := s.store.GetUserState(r.Context(), userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return state.Snapshot{}, err
	}
	snap.UserID = userID
	fn(&snap)
	snap.UpdatedAt = s.clk.Now()
	if err := s.store.SaveUserState(r.Context(), snap); err != nil {
		return state.Snapshot{}, err
	}
	return snap, nil
}

func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Energy int `json:"energy"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Energy < 1 || req.Energy > 10 {
		http.Error(w, "energy must be between 1 and 10", http.StatusBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")
	if _, err := s.mutateUserState(r, userID, func(snap *state.Snapshot) {
		snap.Energy = req.Energy
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(r, bus.TopicEnergyUpdated, map[string]any{
		"user_id": userID,
		"energy":  req.Energy,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMedication(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	now := s.clk.Now()
	if _, err := s.mutateUserState(r, userID, func(snap *state.Snapshot) {
		snap.MedicationTime = &now
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"medication_time": now})
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task string `json:"task"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")
	if _, err := s.mutateUserState(r, userID, func(snap *state.Snapshot) {
		snap.CurrentTask = &req.Task
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(r, bus.TopicTaskStarted, map[string]any{
		"user_id": userID,
		"task":    req.Task,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskType         string `json:"task_type"`
		EstimatedMinutes int    `json:"estimated_minutes"`
		ActualMinutes    int    `json:"actual_minutes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.TaskType == "" || req.EstimatedMinutes <= 0 || req.ActualMinutes <= 0 {
		http.Error(w, "task_type, estimated_minutes and actual_minutes are required", http.StatusBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")

	snap, err := s.store.GetUserState(r.Context(), userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	now := s.clk.Now()
	inPeak := s.opts.PeakWindow.Contains(snap.MedicationTime, now)

	if err := s.store.AppendTaskHistory(r.Context(), store.TaskRecord{
		TaskType:         req.TaskType,
		EstimatedMinutes: req.EstimatedMinutes,
		ActualMinutes:    req.ActualMinutes,
		EnergyLevel:      snap.Energy,
		InPeakWindow:     inPeak,
		CreatedAt:        now,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.mutateUserState(r, userID, func(snap *state.Snapshot) {
		snap.CurrentTask = nil
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(r, bus.TopicTaskCompleted, map[string]any{
		"user_id":           userID,
		"task_type":         req.TaskType,
		"estimated_minutes": req.EstimatedMinutes,
		"actual_minutes":    req.ActualMinutes,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) publish(r *http.Request, topic bus.Topic, payload map[string]any) {
	if err := s.bus.Publish(r.Context(), topic, payload); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldTopic, string(topic)).Msg("publish failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}
