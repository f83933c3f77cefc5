package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"movie-history-sync/internal/config"
	"movie-history-sync/internal/history"
	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/matcher"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/ratelimit"
	"movie-history-sync/internal/store"
	"movie-history-sync/internal/telemetry"
	"movie-history-sync/internal/webhook"
)

// Store is the persistence the API reads and writes.
type Store interface {
	history.Store
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error)
	Find(ctx context.Context, userID int64, jobType models.JobType) ([]models.Job, error)
	PurgeAll(ctx context.Context) (int64, error)
	PurgeTerminal(ctx context.Context) (int64, error)
	Integration(ctx context.Context, userID int64) (models.Integration, error)
}

// Notifier wakes an idle worker after an enqueue.
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// Server wires HTTP handlers for job submission, history review and webhooks.
type Server struct {
	cfg        config.Config
	store      Store
	catalog    matcher.Catalog
	notifier   Notifier
	limiter    *ratelimit.TokenBucket
	ingestor   *webhook.Ingestor
	reconciler *history.Reconciler
	validate   *validator.Validate
}

// New constructs the API server. notifier and limiter may be nil.
func New(cfg config.Config, st Store, cat matcher.Catalog, notifier Notifier, limiter *ratelimit.TokenBucket, ingestor *webhook.Ingestor) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		catalog:    cat,
		notifier:   notifier,
		limiter:    limiter,
		ingestor:   ingestor,
		reconciler: history.NewReconciler(st),
		validate:   validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/imports/netflix/{kind}", s.handleNetflixUpload)
		r.Post("/imports/letterboxd/{kind}", s.handleLetterboxdUpload)
		r.Get("/unmatched", s.handleUnmatched)
		r.Post("/unmatched/{id}/match", s.handleManualMatch)
		r.Get("/catalog/search", s.handleCatalogSearch)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAuthenticated)
		r.Delete("/jobs", s.handlePurgeAll)
		r.Delete("/jobs/processed", s.handlePurgeProcessed)
	})

	perMinute := s.cfg.WebhookRequestsPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	r.With(httprate.LimitByIP(perMinute, time.Minute)).Post("/webhooks/plex/{webhookID}", s.handlePlexWebhook)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userIDKey struct{}

// requireUser rejects requests whose X-User-ID, set by the auth proxy in
// front of the API, differs from the user in the path.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
		if err != nil || userID <= 0 {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-User-ID") != strconv.FormatInt(userID, 10) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

// requireAuthenticated admits any caller the auth proxy identified.
func requireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || userID <= 0 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func userFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey{}).(int64)
	return id
}

// requestLogger tags the request context with a correlation id and writes
// one access log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateCorrelationID()
		}
		ctx := logging.ContextWithCorrelationID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logging.Ctx(ctx).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// allow takes a token from the user's enqueue bucket.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, userID int64) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), "user:"+strconv.FormatInt(userID, 10))
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("rate limiter unavailable")
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

type enqueueResponse struct {
	Job       *models.Job `json:"job,omitempty"`
	Duplicate bool        `json:"duplicate"`
}

// enqueue stores the job and answers 202, or 200 when an equivalent job is
// already pending or running. It reports whether a new job was created.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, p store.EnqueueParams) bool {
	ctx := r.Context()
	job, err := s.store.Enqueue(ctx, p)
	if errors.Is(err, store.ErrDuplicatePendingJob) {
		telemetry.DuplicateEnqueues.WithLabelValues(string(p.Type)).Inc()
		writeJSON(w, http.StatusOK, enqueueResponse{Duplicate: true})
		return false
	}
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("job_type", string(p.Type)).Msg("enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return false
	}
	telemetry.EnqueueCounter.WithLabelValues(string(p.Type)).Inc()
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, job.ID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("wake-up signal not sent")
		}
	}
	logging.Ctx(ctx).Info().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("job enqueued")
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: &job})
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
