// SPDX-License-Identifier: MIT

package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

// Routes mounts the read-only dashboard API onto a chi router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/state/{userID}", s.handleUserState)
	r.Get("/estimate/{userID}", s.handleEstimate)
	r.Get("/sessions/{userID}", s.handleSessions)
	r.Get("/history/{taskType}", s.handleHistory)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Service) handleUserState(w http.ResponseWriter, r *http.Request) {
	view, err := s.UserState(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, view)
}

func (s *Service) handleEstimate(w http.ResponseWriter, r *http.Request) {
	taskType := r.URL.Query().Get("task_type")
	minutes, err := strconv.Atoi(r.URL.Query().Get("minutes"))
	if err != nil || minutes <= 0 {
		http.Error(w, "minutes must be a positive integer", http.StatusBadRequest)
		return
	}
	view, err := s.Estimate(r.Context(), chi.URLParam(r, "userID"), taskType, minutes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, view)
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	views, err := s.Sessions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, views)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.History(r.Context(), chi.URLParam(r, "taskType"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, recs)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n <= 0 {
		n = 50
	}
	s.writeJSON(w, s.RecentEvents(n))
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrCorruptState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("query failed")
	}
	http.Error(w, err.Error(), status)
}
