package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/matcher"
	"movie-history-sync/internal/store"
)

func (s *Server) handleUnmatched(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reconciler.UnmatchedSummary(r.Context(), userFromContext(r.Context()))
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("list unmatched")
		http.Error(w, "failed to list unmatched records", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	movies, err := matcher.New(s.catalog).Search(r.Context(), q)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Str("query", q).Msg("catalog search")
		http.Error(w, "catalog unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, movies)
}

type manualMatchRequest struct {
	CatalogID int64 `json:"catalog_id" validate:"required,gt=0"`
}

func (s *Server) handleManualMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req manualMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "catalog_id is required", http.StatusBadRequest)
		return
	}

	movie, err := matcher.New(s.catalog).FindByID(ctx, req.CatalogID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("catalog_id", req.CatalogID).Msg("catalog lookup")
		http.Error(w, "catalog unavailable", http.StatusBadGateway)
		return
	}
	if movie == nil {
		http.Error(w, "catalog movie not found", http.StatusNotFound)
		return
	}

	err = s.reconciler.AssignManual(ctx, userFromContext(ctx), id, *movie)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unmatched record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Int64("unmatched_id", id).Msg("assign match")
		http.Error(w, "failed to assign match", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "matched", "movie": movie})
}
