// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/machine"
)

// BlockView is one live machine in the registry listing.
type BlockView struct {
	MachineID        string        `json:"machine_id"`
	Kind             machine.Kind  `json:"kind"`
	State            machine.State `json:"state"`
	Task             string        `json:"task,omitempty"`
	Label            string        `json:"label,omitempty"`
	CheckinsSent     int           `json:"checkins_sent,omitempty"`
	WarningsSent     int           `json:"warnings_sent,omitempty"`
	ElapsedMinutes   float64       `json:"elapsed_minutes"`
	RemainingMinutes float64       `json:"remaining_minutes"`
}

func (s *Server) handleBlocks(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	views := make([]BlockView, 0, len(s.bodyDoubles)+len(s.focusGuards))
	for _, m := range s.bodyDoubles {
		st := m.Status()
		views = append(views, BlockView{
			MachineID:        st.MachineID,
			Kind:             machine.KindBodyDouble,
			State:            st.State,
			Task:             st.Task,
			CheckinsSent:     st.CheckinsSent,
			ElapsedMinutes:   st.Elapsed.Minutes(),
			RemainingMinutes: st.Remaining.Minutes(),
		})
	}
	for _, g := range s.focusGuards {
		st := g.Status()
		views = append(views, BlockView{
			MachineID:        st.MachineID,
			Kind:             machine.KindFocusGuard,
			State:            st.State,
			Label:            st.Label,
			WarningsSent:     st.WarningsSent,
			ElapsedMinutes:   st.Elapsed.Minutes(),
			RemainingMinutes: st.Remaining.Minutes(),
		})
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStartBodyDouble(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task            string `json:"task"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if duration <= 0 {
		duration = s.opts.SessionDuration
	}

	m := machine.NewBodyDouble(s.bus, s.snaps, s.clk, s.opts.CheckinInterval, s.opts.CheckinGrace)
	if err := m.Start(r.Context(), req.Task, duration); err != nil {
		s.writeError(w, err)
		return
	}
	s.mu.Lock()
	s.bodyDoubles[m.ID()] = m
	s.mu.Unlock()
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"machine_id":       m.ID(),
		"duration_minutes": duration.Minutes(),
	})
}

func (s *Server) handleStartFocusGuard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label        string `json:"label"`
		TotalMinutes int    `json:"total_minutes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.TotalMinutes <= 0 {
		http.Error(w, "total_minutes must be positive", http.StatusBadRequest)
		return
	}

	g := machine.NewFocusGuard(s.bus, s.snaps, s.clk, s.opts.WarnThresholds)
	if err := g.Start(r.Context(), req.Label, time.Duration(req.TotalMinutes)*time.Minute); err != nil {
		s.writeError(w, err)
		return
	}
	s.mu.Lock()
	s.focusGuards[g.ID()] = g
	s.mu.Unlock()
	s.writeJSON(w, http.StatusCreated, map[string]any{"machine_id": g.ID()})
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalMinutes int `json:"total_minutes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.TotalMinutes <= 0 {
		http.Error(w, "total_minutes must be positive", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "machineID")

	s.mu.Lock()
	g, ok := s.focusGuards[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such focus block", http.StatusNotFound)
		return
	}
	err := g.Reschedule(r.Context(), time.Duration(req.TotalMinutes)*time.Minute)
	if errors.Is(err, machine.ErrNotRunning) {
		http.Error(w, "block already ended", http.StatusConflict)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopBlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")

	s.mu.Lock()
	m, isBody := s.bodyDoubles[id]
	g, isFocus := s.focusGuards[id]
	delete(s.bodyDoubles, id)
	delete(s.focusGuards, id)
	s.mu.Unlock()

	switch {
	case isBody:
		m.Stop()
	case isFocus:
		g.Stop()
	default:
		http.Error(w, "no such block", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID string `json:"machine_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	payload := map[string]any{}
	if req.MachineID != "" {
		payload["machine_id"] = req.MachineID
	}
	s.publish(r, bus.TopicCheckinAck, payload)
	w.WriteHeader(http.StatusAccepted)
}

// --- plan cache ---

func (s *Server) handlePlanLookup(w http.ResponseWriter, r *http.Request) {
	task := r.URL.Query().Get("task")
	if task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	payload, ok := s.cache.Lookup(r.Context(), task)
	if !ok {
		http.Error(w, "no cached plan", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"task": task,
		"plan": json.RawMessage(payload),
	})
}

func (s *Server) handlePlanStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task string          `json:"task"`
		Plan json.RawMessage `json:"plan"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Task == "" || len(req.Plan) == 0 {
		http.Error(w, "task and plan are required", http.StatusBadRequest)
		return
	}
	s.cache.Store(r.Context(), req.Task, req.Plan)
	w.WriteHeader(http.StatusNoContent)
}
