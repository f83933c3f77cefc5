package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"movie-history-sync/internal/history"
	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/matcher"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
	"movie-history-sync/internal/provider/letterboxd"
	"movie-history-sync/internal/provider/netflix"
	"movie-history-sync/internal/provider/plex"
	"movie-history-sync/internal/provider/trakt"
	"movie-history-sync/internal/store"
)

const (
	cursorTraktHistory = "trakt_history"
	cursorPlexHistory  = "plex_history"
)

type netflixPayload struct {
	Path       string `json:"path" validate:"required"`
	DateFormat string `json:"date_format" validate:"omitempty,oneof=m/d/y d/m/y y-m-d"`
}

type uploadPayload struct {
	Path string `json:"path" validate:"required"`
}

type syncPayload struct {
	// Full ignores the stored high-water mark.
	Full bool `json:"full"`
}

type ratingsPayload struct {
	Overwrite bool `json:"overwrite"`
}

type scrobblePayload struct {
	RatingKey string    `json:"rating_key" validate:"required"`
	Title     string    `json:"title" validate:"required"`
	Year      int       `json:"year" validate:"gte=0"`
	TMDBID    *int64    `json:"tmdb_id,omitempty"`
	WatchedAt time.Time `json:"watched_at" validate:"required"`
}

// importHistory matches and reconciles every play src yields. It returns the
// newest play seen so incremental sources can advance their cursor.
func (p *Processor) importHistory(ctx context.Context, userID int64, src provider.Source, cursor *time.Time, source models.Source) (history.Result, *time.Time, error) {
	var res history.Result
	var newest *time.Time
	m := matcher.New(p.catalog)
	for rec, err := range src.FetchActivity(ctx, cursor) {
		if err != nil {
			return res, nil, err
		}
		match, err := m.Resolve(ctx, rec)
		if err != nil {
			return res, nil, err
		}
		outcome, err := p.reconciler.Reconcile(ctx, userID, rec, match, source)
		if err != nil {
			return res, nil, err
		}
		res.Add(outcome)
		if rec.WatchedAt != nil && (newest == nil || rec.WatchedAt.After(*newest)) {
			w := *rec.WatchedAt
			newest = &w
		}
	}
	return res, newest, nil
}

func (p *Processor) importRatings(ctx context.Context, userID int64, src provider.Source, source models.Source, overwrite bool) (history.Result, error) {
	var res history.Result
	m := matcher.New(p.catalog)
	for rec, err := range src.FetchActivity(ctx, nil) {
		if err != nil {
			return res, err
		}
		match, err := m.Resolve(ctx, rec)
		if err != nil {
			return res, err
		}
		outcome, err := p.reconciler.ReconcileRating(ctx, userID, rec, match, source, overwrite)
		if err != nil {
			return res, err
		}
		res.Add(outcome)
	}
	return res, nil
}

// incremental runs importHistory from the stored cursor and advances it once
// the whole sequence was consumed.
func (p *Processor) incremental(ctx context.Context, userID int64, name string, full bool, src provider.Source, source models.Source) (history.Result, error) {
	var cursor *time.Time
	if !full {
		var err error
		if cursor, err = p.store.Cursor(ctx, userID, name); err != nil {
			return history.Result{}, fmt.Errorf("load %s cursor: %w", name, err)
		}
	}
	res, newest, err := p.importHistory(ctx, userID, src, cursor, source)
	if err != nil {
		return res, err
	}
	if newest != nil {
		if err := p.store.SetCursor(ctx, userID, name, *newest); err != nil {
			return res, fmt.Errorf("store %s cursor: %w", name, err)
		}
	}
	return res, nil
}

func (p *Processor) netflixHistory(ctx context.Context, job models.Job) (history.Result, error) {
	userID, err := requireOwner(job)
	if err != nil {
		return history.Result{}, err
	}
	payload, err := decodePayload[netflixPayload](p, job)
	if err != nil {
		return history.Result{}, err
	}
	defer removeUpload(ctx, payload.Path)
	format, err := netflix.ParseDateFormat(payload.DateFormat)
	if err != nil {
		return history.Result{}, err
	}
	res, _, err := p.importHistory(ctx, userID, netflix.NewHistory(payload.Path, format), nil, models.SourceNetflix)
	return res, err
}

func (p *Processor) netflixRatings(ctx context.Context, job models.Job) (history.Result, error) {
	userID, err := requireOwner(job)
	if err != nil {
		return history.Result{}, err
	}
	payload, err := decodePayload[netflixPayload](p, job)
	if err != nil {
		return history.Result{}, err
	}
	defer removeUpload(ctx, payload.Path)
	return p.importRatings(ctx, userID, netflix.NewRatings(payload.Path), models.SourceNetflix, false)
}

func (p *Processor) letterboxdHistory(ctx context.Context, job models.Job) (history.Result, error) {
	userID, err := requireOwner(job)
	if err != nil {
		return history.Result{}, err
	}
	payload, err := decodePayload[uploadPayload](p, job)
	if err != nil {
		return history.Result{}, err
	}
	defer removeUpload(ctx, payload.Path)
	res, _, err := p.importHistory(ctx, userID, letterboxd.NewDiary(payload.Path), nil, models.SourceLetterboxd)
	return res, err
}

// letterboxdRatings overwrites stored ratings: the export is the user's
// current set, not a change log.
func (p *Processor) letterboxdRatings(ctx context.Context, job models.Job) (history.Result, error) {
	userID, err := requireOwner(job)
	if err != nil {
		return history.Result{}, err
	}
	payload, err := decodePayload[uploadPayload](p, job)
	if err != nil {
		return history.Result{}, err
	}
	defer removeUpload(ctx, payload.Path)
	return p.importRatings(ctx, userID, letterboxd.NewRatings(payload.Path), models.SourceLetterboxd, true)
}

// removeUpload deletes an import file once its job ran; a failed import needs a new upload.
func removeUpload(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("remove import file")
	}
}

func (p *Processor) traktClient(ctx context.Context, userID int64) (*trakt.Client, error) {
	in, err := p.store.Integration(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load trakt integration: %w", err)
	}
	if in.TraktUsername == "" {
		return nil, errors.New("trakt account is not connected")
	}
	return trakt.New(trakt.Config{
		BaseURL:           p.cfg.TraktBaseURL,
		ClientID:          in.TraktClientID,
		Username:          in.TraktUsername,
		PageSize:          p.cfg.TraktPageSize,
		RequestsPerSecond: p.cfg.TraktRequestsPerSecond,
		Timeout:           p.cfg.ProviderTimeout,
		Retry:             p.retryPolicy(),
	}), nil
}

func (p *Processor) traktHistory(ctx context.Context, job models.Job) (history.Result, error) {
	userID, err := requireOwner(job)
	if err != nil {
		return history.Result{}, err
	}
	payload, err := decodePayload[syncPayload](p, job)
	if err != nil {
		return history.Result{}, err
	}
	client, err := p.traktClient(ctx, userID)
	if err != nil {
		return history.Result{}, err
	}
	return p.incremental(ctx, userID, cursorTraktHistory, payload.Full, client, models.SourceTrakt)
}

func (p *Processor) traktRatings(ctx context.Context, job models.Job) (history.Result, error) {
	userID, err := requireOwner(job)
	if err != nil {
		return history.Result{}, err
	}
	payload, err := decodePayload[ratingsPayload](p, job)
	if err != nil {
		return history.Result{}, err
	}
	client, err := p.traktClient(ctx, userID)
	if err != nil {
		return history.Result{}, err
	}
	return p.importRatings(ctx, userID, client.Ratings(), models.SourceTrakt, payload.Overwrite)
}

func (p *Processor) plexHistory(ctx context.Context, job models.Job) (history.Result, error) {
	userID, err := requireOwner(job)
	if err != nil {
		return history.Result{}, err
	}
	payload, err := decodePayload[syncPayload](p, job)
	if err != nil {
		return history.Result{}, err
	}
	in, err := p.store.Integration(ctx, userID)
	if err != nil {
		return history.Result{}, fmt.Errorf("load plex integration: %w", err)
	}
	if in.PlexServerURL == "" {
		return history.Result{}, errors.New("plex server is not connected")
	}
	client := plex.New(plex.Config{
		ServerURL: in.PlexServerURL,
		Token:     in.PlexToken,
		Timeout:   p.cfg.ProviderTimeout,
		Retry:     p.retryPolicy(),
	})
	return p.incremental(ctx, userID, cursorPlexHistory, payload.Full, client, models.SourcePlex)
}

// plexScrobble records a webhook play whose matching was deferred.
func (p *Processor) plexScrobble(ctx context.Context, job models.Job) (history.Result, error) {
	var res history.Result
	userID, err := requireOwner(job)
	if err != nil {
		return res, err
	}
	payload, err := decodePayload[scrobblePayload](p, job)
	if err != nil {
		return res, err
	}
	watched := payload.WatchedAt
	rec := models.RawActivityRecord{
		ExternalTitle: payload.Title,
		Year:          payload.Year,
		ProviderID:    payload.TMDBID,
		WatchedAt:     &watched,
	}
	match, err := matcher.New(p.catalog).Resolve(ctx, rec)
	if err != nil {
		return res, err
	}
	outcome, err := p.reconciler.Reconcile(ctx, userID, rec, match, models.SourcePlex)
	if err != nil {
		return res, err
	}
	res.Add(outcome)
	return res, nil
}

type movieSyncPayload struct {
	Limit int `json:"limit" validate:"gte=0"`
}

// movieSync refreshes cached movie rows that have not been updated within
// the configured staleness window. Movies gone from the catalog keep their
// last known values and are marked missing so they wait a full window before
// the next check.
func (p *Processor) movieSync(ctx context.Context, job models.Job) (history.Result, error) {
	var res history.Result
	payload, err := decodePayload[movieSyncPayload](p, job)
	if err != nil {
		return res, err
	}
	limit := payload.Limit
	if limit == 0 {
		limit = p.cfg.CatalogSyncBatch
	}
	if limit <= 0 {
		limit = 200
	}
	ids, err := p.store.StaleMovies(ctx, p.now().Add(-p.cfg.CatalogStaleAfter), limit)
	if err != nil {
		return res, fmt.Errorf("list stale movies: %w", err)
	}
	for _, id := range ids {
		movie, err := p.catalog.FindByID(ctx, id)
		if err != nil {
			return res, err
		}
		if movie == nil {
			if err := p.store.MarkMovieMissing(ctx, id); err != nil {
				return res, err
			}
			res.Add(history.OutcomeSkipped)
			continue
		}
		if err := p.store.UpsertMovie(ctx, *movie); err != nil {
			return res, fmt.Errorf("update movie %d: %w", id, err)
		}
		res.Add(history.OutcomeInserted)
	}
	return res, nil
}

// enqueueSystem enqueues an ownerless job. An active duplicate is reported
// with created=false and no error.
func enqueueSystem(ctx context.Context, st Store, t models.JobType) (job models.Job, created bool, err error) {
	job, err = st.Enqueue(ctx, store.EnqueueParams{Type: t, Payload: map[string]any{}})
	if errors.Is(err, store.ErrDuplicatePendingJob) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	return job, true, nil
}
