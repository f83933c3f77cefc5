package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
	"movie-history-sync/internal/provider/letterboxd"
	"movie-history-sync/internal/provider/netflix"
	"movie-history-sync/internal/store"
)

const maxUploadBytes = 64 << 20

// importFile is an export that can check an uploaded file before a job exists.
type importFile interface {
	Validate(ctx context.Context) error
}

// handleNetflixUpload stores a viewing-activity or ratings CSV and queues its import.
func (s *Server) handleNetflixUpload(w http.ResponseWriter, r *http.Request) {
	var jobType models.JobType
	switch chi.URLParam(r, "kind") {
	case "history":
		jobType = models.JobTypeNetflixImportHistory
	case "ratings":
		jobType = models.JobTypeNetflixImportRatings
	default:
		http.NotFound(w, r)
		return
	}
	s.acceptUpload(w, r, jobType, func(path string) (importFile, map[string]any, error) {
		ctx := r.Context()
		dateFormat := r.FormValue("date_format")
		if dateFormat == "" {
			if in, err := s.store.Integration(ctx, userFromContext(ctx)); err == nil {
				dateFormat = in.DateFormat
			}
		}
		format, err := netflix.ParseDateFormat(dateFormat)
		if err != nil {
			return nil, nil, err
		}
		payload := map[string]any{"path": path, "date_format": string(format)}
		if jobType == models.JobTypeNetflixImportRatings {
			return netflix.NewRatings(path), payload, nil
		}
		return netflix.NewHistory(path, format), payload, nil
	})
}

// handleLetterboxdUpload stores a diary or ratings CSV and queues its import.
func (s *Server) handleLetterboxdUpload(w http.ResponseWriter, r *http.Request) {
	var jobType models.JobType
	switch chi.URLParam(r, "kind") {
	case "history":
		jobType = models.JobTypeLetterboxdImportHistory
	case "ratings":
		jobType = models.JobTypeLetterboxdImportRatings
	default:
		http.NotFound(w, r)
		return
	}
	s.acceptUpload(w, r, jobType, func(path string) (importFile, map[string]any, error) {
		payload := map[string]any{"path": path}
		if jobType == models.JobTypeLetterboxdImportRatings {
			return letterboxd.NewRatings(path), payload, nil
		}
		return letterboxd.NewDiary(path), payload, nil
	})
}

// acceptUpload saves the "file" form field, checks it parses and queues the
// import. Rejected or duplicate uploads leave nothing behind.
func (s *Server) acceptUpload(w http.ResponseWriter, r *http.Request, jobType models.JobType, open func(path string) (importFile, map[string]any, error)) {
	ctx := r.Context()
	userID := userFromContext(ctx)
	if !s.allow(w, r, userID) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "expected multipart form with a file field", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	path, err := s.saveUpload(file)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("store upload")
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	export, payload, err := open(path)
	if err == nil {
		err = export.Validate(ctx)
	}
	if err != nil {
		discardUpload(r, path)
		if errors.Is(err, provider.ErrInvalidImportFile) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logging.Ctx(ctx).Error().Err(err).Str("job_type", string(jobType)).Msg("validate upload")
		http.Error(w, "failed to read upload", http.StatusInternalServerError)
		return
	}

	created := s.enqueue(w, r, store.EnqueueParams{
		UserID:  &userID,
		Type:    jobType,
		Payload: payload,
	})
	if !created {
		discardUpload(r, path)
	}
}

func (s *Server) saveUpload(src io.Reader) (string, error) {
	dir := filepath.Join(s.cfg.StorageDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".csv")
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, dst.Close()
}

func discardUpload(r *http.Request, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Ctx(r.Context()).Warn().Err(err).Str("path", path).Msg("remove upload")
	}
}
