package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/store"
)

type enqueueRequest struct {
	Type    string         `json:"type" validate:"required"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	jobType, ok := models.ParseJobType(req.Type)
	if !ok || !jobType.UserTriggered() {
		http.Error(w, "unsupported job type", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, userID) {
		return
	}
	s.enqueue(w, r, store.EnqueueParams{UserID: &userID, Type: jobType, Payload: req.Payload})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var jobType models.JobType
	if v := r.URL.Query().Get("type"); v != "" {
		t, ok := models.ParseJobType(v)
		if !ok {
			http.Error(w, "unsupported job type", http.StatusBadRequest)
			return
		}
		jobType = t
	}
	jobs, err := s.store.Find(r.Context(), userFromContext(r.Context()), jobType)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("list jobs")
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PurgeAll(r.Context())
	if errors.Is(err, store.ErrInvalidTransition) {
		http.Error(w, "a job is running, try again when it finished", http.StatusConflict)
		return
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("purge jobs")
		http.Error(w, "failed to purge jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handlePurgeProcessed(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PurgeTerminal(r.Context())
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("purge processed jobs")
		http.Error(w, "failed to purge jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
