package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"movie-history-sync/internal/config"
	"movie-history-sync/internal/history"
	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/matcher"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
	"movie-history-sync/internal/store"
	"movie-history-sync/internal/telemetry"
)

const maxReasonRunes = 255

// Store is everything the worker reads and writes. Both store.Store and
// store.Memory implement it.
type Store interface {
	history.Store

	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error)
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, id string, status models.JobStatus, failureReason *string) error
	ReapStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (models.QueueStats, error)

	StaleMovies(ctx context.Context, before time.Time, limit int) ([]int64, error)
	MarkMovieMissing(ctx context.Context, catalogID int64) error
	UncachedPosters(ctx context.Context, limit int) ([]models.CanonicalMovie, error)
	MarkPosterCached(ctx context.Context, catalogID int64) error
	Cursor(ctx context.Context, userID int64, name string) (*time.Time, error)
	SetCursor(ctx context.Context, userID int64, name string, mark time.Time) error
	Integration(ctx context.Context, userID int64) (models.Integration, error)
}

// Handler executes a job of one type.
type Handler func(ctx context.Context, job models.Job) (history.Result, error)

// Processor runs a claimed job to completion and decides its terminal status.
type Processor struct {
	cfg        config.Config
	store      Store
	catalog    matcher.Catalog
	reconciler *history.Reconciler
	posters    *PosterCache
	validate   *validator.Validate
	now        func() time.Time
}

// NewProcessor wires the handlers. posters may be nil when no image
// destination is configured; tmdb_image_cache jobs then fail.
func NewProcessor(cfg config.Config, st Store, cat matcher.Catalog, posters *PosterCache) *Processor {
	return &Processor{
		cfg:        cfg,
		store:      st,
		catalog:    cat,
		reconciler: history.NewReconciler(st),
		posters:    posters,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// handler maps the closed set of job types onto their implementation.
func (p *Processor) handler(t models.JobType) (Handler, error) {
	switch t {
	case models.JobTypeNetflixImportHistory:
		return p.netflixHistory, nil
	case models.JobTypeNetflixImportRatings:
		return p.netflixRatings, nil
	case models.JobTypeLetterboxdImportHistory:
		return p.letterboxdHistory, nil
	case models.JobTypeLetterboxdImportRatings:
		return p.letterboxdRatings, nil
	case models.JobTypeTmdbImageCache:
		return p.imageCache, nil
	case models.JobTypeTraktImportHistory:
		return p.traktHistory, nil
	case models.JobTypeTraktImportRatings:
		return p.traktRatings, nil
	case models.JobTypeTmdbMovieSync:
		return p.movieSync, nil
	case models.JobTypePlexImportHistory:
		return p.plexHistory, nil
	case models.JobTypePlexScrobble:
		return p.plexScrobble, nil
	}
	return nil, fmt.Errorf("unsupported job type %q", t)
}

// Execute runs job and returns its terminal status with a user-safe failure
// reason. Handler errors and panics never escape.
func (p *Processor) Execute(ctx context.Context, job models.Job) (models.JobStatus, *string) {
	ctx = logging.ContextWithJobID(ctx, job.ID)
	log := logging.Ctx(ctx).With().Str("job_type", string(job.Type)).Int64("user_id", job.OwnerID()).Logger()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := p.now()
	res, err := p.run(ctx, job)
	elapsed := p.now().Sub(start)
	if err != nil {
		telemetry.WorkerFailures.WithLabelValues(string(job.Type)).Inc()
		reason := failureReason(err)
		log.Warn().Err(err).Object("result", res).Dur("elapsed", elapsed).Msg("job failed")
		return models.StatusCompletedFailed, &reason
	}
	telemetry.WorkerSuccess.WithLabelValues(string(job.Type)).Inc()
	log.Info().Object("result", res).Dur("elapsed", elapsed).Msg("job completed")
	return models.StatusCompletedSuccessful, nil
}

func (p *Processor) run(ctx context.Context, job models.Job) (res history.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Ctx(ctx).Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job handler panicked")
			err = &panicError{value: r}
		}
	}()
	h, err := p.handler(job.Type)
	if err != nil {
		return res, err
	}
	return h(ctx, job)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// failureReason turns err into text that can be shown to the job owner.
func failureReason(err error) string {
	var reason string
	var pe *panicError
	switch {
	case errors.Is(err, provider.ErrInvalidImportFile):
		reason = err.Error()
	case errors.As(err, &pe):
		reason = "internal error while running job"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, provider.ErrTransient):
		reason = "provider unavailable, try again later: " + err.Error()
	default:
		reason = err.Error()
	}
	return truncateRunes(reason, maxReasonRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// decodePayload maps the job payload onto T and validates it.
func decodePayload[T any](p *Processor, job models.Job) (T, error) {
	var out T
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return out, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.validate.Struct(out); err != nil {
		return out, fmt.Errorf("invalid payload: %w", err)
	}
	return out, nil
}

func requireOwner(job models.Job) (int64, error) {
	if job.UserID == nil {
		return 0, fmt.Errorf("%s job has no owner", job.Type)
	}
	return *job.UserID, nil
}

func (p *Processor) retryPolicy() provider.RetryPolicy {
	return provider.RetryPolicy{
		MaxRetries: p.cfg.ProviderMaxRetries,
		Initial:    p.cfg.BackoffInitial,
		Max:        p.cfg.BackoffMax,
	}
}
