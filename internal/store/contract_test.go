package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-history-sync/internal/models"
)

// backend is the surface shared by Store and Memory.
type backend interface {
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error)
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, id string, status models.JobStatus, failureReason *string) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	Find(ctx context.Context, userID int64, jobType models.JobType) ([]models.Job, error)
	PurgeAll(ctx context.Context) (int64, error)
	PurgeTerminal(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (models.QueueStats, error)

	UpsertMovie(ctx context.Context, m models.CanonicalMovie) error
	InsertWatch(ctx context.Context, e models.WatchHistoryEntry) (bool, error)
	InsertUnmatched(ctx context.Context, r models.UnmatchedRecord) (bool, error)
	UpsertRating(ctx context.Context, r models.MovieRating, overwrite bool) (bool, error)
	ListWatches(ctx context.Context, userID int64) ([]models.WatchHistoryEntry, error)
	ListUnmatched(ctx context.Context, userID int64) ([]models.UnmatchedRecord, error)
	ResolveUnmatched(ctx context.Context, userID, id int64, movie models.CanonicalMovie) error
	Cursor(ctx context.Context, userID int64, name string) (*time.Time, error)
	SetCursor(ctx context.Context, userID int64, name string, mark time.Time) error
}

func userPtr(id int64) *int64 { return &id }

func runJobContract(t *testing.T, newBackend func(t *testing.T) backend) {
	ctx := context.Background()

	t.Run("duplicate enqueue", func(t *testing.T) {
		b := newBackend(t)
		first, err := b.Enqueue(ctx, EnqueueParams{UserID: userPtr(1), Type: models.JobTypeTraktImportHistory})
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, first.Status)

		_, err = b.Enqueue(ctx, EnqueueParams{UserID: userPtr(1), Type: models.JobTypeTraktImportHistory})
		assert.ErrorIs(t, err, ErrDuplicatePendingJob)

		// a different user or dedup key is not equivalent
		_, err = b.Enqueue(ctx, EnqueueParams{UserID: userPtr(2), Type: models.JobTypeTraktImportHistory})
		assert.NoError(t, err)
		_, err = b.Enqueue(ctx, EnqueueParams{UserID: userPtr(1), Type: models.JobTypeTraktImportHistory, DedupKey: "other"})
		assert.NoError(t, err)
	})

	t.Run("re-enqueue after completion", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Enqueue(ctx, EnqueueParams{Type: models.JobTypeTmdbMovieSync})
		require.NoError(t, err)
		job, err := b.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, b.Complete(ctx, job.ID, models.StatusCompletedSuccessful, nil))

		_, err = b.Enqueue(ctx, EnqueueParams{Type: models.JobTypeTmdbMovieSync})
		assert.NoError(t, err)
	})

	t.Run("claim order and single in progress", func(t *testing.T) {
		b := newBackend(t)
		a, err := b.Enqueue(ctx, EnqueueParams{UserID: userPtr(1), Type: models.JobTypeTraktImportHistory})
		require.NoError(t, err)
		_, err = b.Enqueue(ctx, EnqueueParams{UserID: userPtr(1), Type: models.JobTypeTraktImportRatings})
		require.NoError(t, err)

		claimed, err := b.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, a.ID, claimed.ID)
		assert.Equal(t, models.StatusInProgress, claimed.Status)
		assert.NotNil(t, claimed.StartedAt)

		second, err := b.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, second, "a second job must not start while one is in progress")
	})

	t.Run("concurrent claim", func(t *testing.T) {
		b := newBackend(t)
		for _, typ := range []models.JobType{models.JobTypeTraktImportHistory, models.JobTypeTraktImportRatings, models.JobTypePlexImportHistory} {
			_, err := b.Enqueue(ctx, EnqueueParams{UserID: userPtr(7), Type: typ})
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		claimed := 0
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job, err := b.ClaimNext(ctx)
				assert.NoError(t, err)
				if job != nil {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, claimed)
	})

	t.Run("invalid transitions", func(t *testing.T) {
		b := newBackend(t)
		job, err := b.Enqueue(ctx, EnqueueParams{UserID: userPtr(1), Type: models.JobTypeTraktImportHistory})
		require.NoError(t, err)

		err = b.Complete(ctx, job.ID, models.StatusCompletedSuccessful, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, "pending jobs cannot complete")

		_, err = b.ClaimNext(ctx)
		require.NoError(t, err)
		reason := "boom"
		require.NoError(t, b.Complete(ctx, job.ID, models.StatusCompletedFailed, &reason))

		err = b.Complete(ctx, job.ID, models.StatusCompletedSuccessful, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, "terminal jobs are immutable")

		got, err := b.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompletedFailed, got.Status)
		require.NotNil(t, got.FailureReason)
		assert.Equal(t, "boom", *got.FailureReason)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("find newest first and purge", func(t *testing.T) {
		b := newBackend(t)
		first, err := b.Enqueue(ctx, EnqueueParams{UserID: userPtr(3), Type: models.JobTypeTraktImportHistory})
		require.NoError(t, err)
		second, err := b.Enqueue(ctx, EnqueueParams{UserID: userPtr(3), Type: models.JobTypeTraktImportRatings})
		require.NoError(t, err)

		jobs, err := b.Find(ctx, 3, "")
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, second.ID, jobs[0].ID)
		assert.Equal(t, first.ID, jobs[1].ID)

		jobs, err = b.Find(ctx, 3, models.JobTypeTraktImportRatings)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)

		claimed, err := b.ClaimNext(ctx)
		require.NoError(t, err)
		_, err = b.PurgeAll(ctx)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		require.NoError(t, b.Complete(ctx, claimed.ID, models.StatusCompletedSuccessful, nil))
		n, err := b.PurgeTerminal(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.QueueStats{Pending: 1}, stats)

		n, err = b.PurgeAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func runHistoryContract(t *testing.T, newBackend func(t *testing.T) backend) {
	ctx := context.Background()
	inception := models.CanonicalMovie{CatalogID: 27205, Title: "Inception", ReleaseDate: time.Date(2010, 7, 15, 0, 0, 0, 0, time.UTC)}

	t.Run("watch tuple is unique per day", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.UpsertMovie(ctx, inception))

		morning := time.Date(2023, 1, 5, 9, 0, 0, 0, time.UTC)
		entry := models.WatchHistoryEntry{UserID: 1, MovieID: inception.CatalogID, WatchedAt: morning, Source: models.SourceNetflix}
		inserted, err := b.InsertWatch(ctx, entry)
		require.NoError(t, err)
		assert.True(t, inserted)

		entry.WatchedAt = morning.Add(10 * time.Hour)
		inserted, err = b.InsertWatch(ctx, entry)
		require.NoError(t, err)
		assert.False(t, inserted)

		entry.WatchedAt = morning.AddDate(0, 0, 1)
		inserted, err = b.InsertWatch(ctx, entry)
		require.NoError(t, err)
		assert.True(t, inserted)

		watches, err := b.ListWatches(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, watches, 2)
	})

	t.Run("unmatched placeholders are idempotent and resolvable", func(t *testing.T) {
		b := newBackend(t)
		day := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
		rec := models.UnmatchedRecord{UserID: 1, Source: models.SourceNetflix, Kind: models.KindWatch, ExternalTitle: "Obscure Film", WatchedAt: &day}
		inserted, err := b.InsertUnmatched(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)
		inserted, err = b.InsertUnmatched(ctx, rec)
		require.NoError(t, err)
		assert.False(t, inserted)

		list, err := b.ListUnmatched(ctx, 1)
		require.NoError(t, err)
		require.Len(t, list, 1)

		err = b.ResolveUnmatched(ctx, 2, list[0].ID, inception)
		assert.ErrorIs(t, err, ErrNotFound, "other users cannot resolve the record")

		require.NoError(t, b.ResolveUnmatched(ctx, 1, list[0].ID, inception))
		list, err = b.ListUnmatched(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, list)

		watches, err := b.ListWatches(ctx, 1)
		require.NoError(t, err)
		require.Len(t, watches, 1)
		assert.Equal(t, inception.CatalogID, watches[0].MovieID)
	})

	t.Run("ratings respect overwrite", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.UpsertMovie(ctx, inception))
		r := models.MovieRating{UserID: 1, MovieID: inception.CatalogID, Source: models.SourceTrakt, Rating: 8}
		changed, err := b.UpsertRating(ctx, r, false)
		require.NoError(t, err)
		assert.True(t, changed)

		r.Rating = 6
		changed, err = b.UpsertRating(ctx, r, false)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = b.UpsertRating(ctx, r, true)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("cursor only moves forward", func(t *testing.T) {
		b := newBackend(t)
		got, err := b.Cursor(ctx, 1, "trakt_history")
		require.NoError(t, err)
		assert.Nil(t, got)

		later := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, b.SetCursor(ctx, 1, "trakt_history", later))
		require.NoError(t, b.SetCursor(ctx, 1, "trakt_history", later.Add(-time.Hour)))

		got, err = b.Cursor(ctx, 1, "trakt_history")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, later.Equal(*got))
	})
}
