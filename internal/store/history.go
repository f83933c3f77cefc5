package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"movie-history-sync/internal/models"
)

// UpsertMovie caches a canonical catalog record locally.
func (s *Store) UpsertMovie(ctx context.Context, m models.CanonicalMovie) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO movies (catalog_id, title, release_date, poster_path, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (catalog_id) DO UPDATE
		SET title = EXCLUDED.title, release_date = EXCLUDED.release_date,
		    poster_path = EXCLUDED.poster_path, updated_at = NOW(), missing_at = NULL,
		    poster_cached_at = CASE WHEN movies.poster_path = EXCLUDED.poster_path THEN movies.poster_cached_at END
	`, m.CatalogID, m.Title, nullDate(m.ReleaseDate), m.PosterPath)
	if err != nil {
		return fmt.Errorf("upsert movie %d: %w", m.CatalogID, err)
	}
	return nil
}

// InsertWatch records a play. It reports false when the exact tuple already exists.
func (s *Store) InsertWatch(ctx context.Context, e models.WatchHistoryEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO watch_history (user_id, movie_id, watched_at, source, provider_rating)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, e.UserID, e.MovieID, models.DayOf(e.WatchedAt), e.Source, e.ProviderRating)
	if err != nil {
		return false, fmt.Errorf("insert watch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertUnmatched records an Unknown placeholder. It reports false for a replayed record.
func (s *Store) InsertUnmatched(ctx context.Context, r models.UnmatchedRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO unmatched_records (user_id, source, kind, external_title, watched_at, provider_rating)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, r.UserID, r.Source, r.Kind, r.ExternalTitle, dayPtr(r.WatchedAt), r.ProviderRating)
	if err != nil {
		return false, fmt.Errorf("insert unmatched record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertRating stores a rating. Without overwrite an existing rating is kept.
func (s *Store) UpsertRating(ctx context.Context, r models.MovieRating, overwrite bool) (bool, error) {
	query := `
		INSERT INTO movie_ratings (user_id, movie_id, source, rating, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, movie_id) DO NOTHING`
	if overwrite {
		query = `
		INSERT INTO movie_ratings (user_id, movie_id, source, rating, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, movie_id) DO UPDATE
		SET rating = EXCLUDED.rating, source = EXCLUDED.source, updated_at = NOW()
		WHERE movie_ratings.rating IS DISTINCT FROM EXCLUDED.rating`
	}
	tag, err := s.pool.Exec(ctx, query, r.UserID, r.MovieID, r.Source, r.Rating)
	if err != nil {
		return false, fmt.Errorf("upsert rating: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListWatches returns a user's history newest first.
func (s *Store) ListWatches(ctx context.Context, userID int64) ([]models.WatchHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, movie_id, watched_at, source, provider_rating
		FROM watch_history WHERE user_id = $1
		ORDER BY watched_at DESC, movie_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	defer rows.Close()

	entries := []models.WatchHistoryEntry{}
	for rows.Next() {
		var e models.WatchHistoryEntry
		var rating pgtype.Int4
		if err := rows.Scan(&e.UserID, &e.MovieID, &e.WatchedAt, &e.Source, &rating); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		e.ProviderRating = intPtr(rating)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const unmatchedColumns = `id, user_id, source, kind, external_title, watched_at, provider_rating, created_at`

// ListUnmatched returns the placeholders waiting for manual matching.
func (s *Store) ListUnmatched(ctx context.Context, userID int64) ([]models.UnmatchedRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+unmatchedColumns+` FROM unmatched_records WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query unmatched: %w", err)
	}
	defer rows.Close()

	records := []models.UnmatchedRecord{}
	for rows.Next() {
		r, err := scanUnmatched(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unmatched: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ResolveUnmatched turns a placeholder into a history entry or rating in one transaction.
func (s *Store) ResolveUnmatched(ctx context.Context, userID, id int64, movie models.CanonicalMovie) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rec, err := scanUnmatched(tx.QueryRow(ctx, `
		SELECT `+unmatchedColumns+` FROM unmatched_records
		WHERE id = $1 AND user_id = $2 FOR UPDATE
	`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("unmatched record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load unmatched record: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO movies (catalog_id, title, release_date, poster_path, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (catalog_id) DO NOTHING
	`, movie.CatalogID, movie.Title, nullDate(movie.ReleaseDate), movie.PosterPath); err != nil {
		return fmt.Errorf("cache movie: %w", err)
	}

	switch {
	case rec.Kind == models.KindWatch && rec.WatchedAt != nil:
		_, err = tx.Exec(ctx, `
			INSERT INTO watch_history (user_id, movie_id, watched_at, source, provider_rating)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, userID, movie.CatalogID, *rec.WatchedAt, rec.Source, rec.ProviderRating)
	case rec.Kind == models.KindRating && rec.ProviderRating != nil:
		_, err = tx.Exec(ctx, `
			INSERT INTO movie_ratings (user_id, movie_id, source, rating, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (user_id, movie_id) DO UPDATE SET rating = EXCLUDED.rating, source = EXCLUDED.source, updated_at = NOW()
		`, userID, movie.CatalogID, rec.Source, *rec.ProviderRating)
	}
	if err != nil {
		return fmt.Errorf("record resolved entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM unmatched_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete unmatched record: %w", err)
	}
	return tx.Commit(ctx)
}

// StaleMovies returns catalog ids not refreshed since before.
func (s *Store) StaleMovies(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT catalog_id FROM movies WHERE updated_at < $1 ORDER BY updated_at LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale movies: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// MarkMovieMissing records that the catalog no longer knows a movie. The row
// keeps its last values and drops to the back of the stale set.
func (s *Store) MarkMovieMissing(ctx context.Context, catalogID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE movies SET missing_at = NOW(), updated_at = NOW() WHERE catalog_id = $1`, catalogID)
	if err != nil {
		return fmt.Errorf("mark movie %d missing: %w", catalogID, err)
	}
	return nil
}

// UncachedPosters returns movies whose poster has not been copied locally yet.
func (s *Store) UncachedPosters(ctx context.Context, limit int) ([]models.CanonicalMovie, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT catalog_id, title, poster_path FROM movies
		WHERE poster_path <> '' AND poster_cached_at IS NULL
		ORDER BY catalog_id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query uncached posters: %w", err)
	}
	defer rows.Close()

	movies := []models.CanonicalMovie{}
	for rows.Next() {
		var m models.CanonicalMovie
		if err := rows.Scan(&m.CatalogID, &m.Title, &m.PosterPath); err != nil {
			return nil, fmt.Errorf("scan movie: %w", err)
		}
		movies = append(movies, m)
	}
	return movies, rows.Err()
}

// MarkPosterCached stamps a movie's poster as stored.
func (s *Store) MarkPosterCached(ctx context.Context, catalogID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE movies SET poster_cached_at = NOW() WHERE catalog_id = $1`, catalogID)
	return err
}

// Cursor returns the high-water mark of a named incremental sync.
func (s *Store) Cursor(ctx context.Context, userID int64, name string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT high_water_mark FROM sync_cursors WHERE user_id = $1 AND name = $2`, userID, name).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cursor: %w", err)
	}
	return &t, nil
}

// SetCursor moves the high-water mark forward; it never moves backwards.
func (s *Store) SetCursor(ctx context.Context, userID int64, name string, mark time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (user_id, name, high_water_mark) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, name) DO UPDATE
		SET high_water_mark = GREATEST(sync_cursors.high_water_mark, EXCLUDED.high_water_mark)
	`, userID, name, mark)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

const integrationColumns = `user_id, COALESCE(plex_webhook_id, ''), plex_server_url, plex_token, trakt_username, trakt_client_id, date_format`

// Integration returns the provider settings of a user.
func (s *Store) Integration(ctx context.Context, userID int64) (models.Integration, error) {
	return s.scanIntegration(s.pool.QueryRow(ctx, `SELECT `+integrationColumns+` FROM user_integrations WHERE user_id = $1`, userID))
}

// IntegrationByWebhookID resolves the opaque per-user Plex webhook id.
func (s *Store) IntegrationByWebhookID(ctx context.Context, webhookID string) (models.Integration, error) {
	return s.scanIntegration(s.pool.QueryRow(ctx, `SELECT `+integrationColumns+` FROM user_integrations WHERE plex_webhook_id = $1`, webhookID))
}

func (s *Store) scanIntegration(row pgx.Row) (models.Integration, error) {
	var in models.Integration
	err := row.Scan(&in.UserID, &in.PlexWebhookID, &in.PlexServerURL, &in.PlexToken, &in.TraktUsername, &in.TraktClientID, &in.DateFormat)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Integration{}, fmt.Errorf("integration: %w", ErrNotFound)
	}
	if err != nil {
		return models.Integration{}, fmt.Errorf("scan integration: %w", err)
	}
	return in, nil
}

func scanUnmatched(row pgx.Row) (models.UnmatchedRecord, error) {
	var r models.UnmatchedRecord
	var watched pgtype.Date
	var rating pgtype.Int4
	if err := row.Scan(&r.ID, &r.UserID, &r.Source, &r.Kind, &r.ExternalTitle, &watched, &rating, &r.CreatedAt); err != nil {
		return models.UnmatchedRecord{}, err
	}
	if watched.Valid {
		t := watched.Time
		r.WatchedAt = &t
	}
	r.ProviderRating = intPtr(rating)
	return r, nil
}

func nullDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func dayPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := models.DayOf(*t)
	return &d
}

func intPtr(v pgtype.Int4) *int {
	if v.Valid {
		n := int(v.Int32)
		return &n
	}
	return nil
}
