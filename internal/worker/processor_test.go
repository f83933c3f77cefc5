package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-history-sync/internal/config"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/store"
)

var (
	inception = models.CanonicalMovie{CatalogID: 27205, Title: "Inception", ReleaseDate: time.Date(2010, 7, 15, 0, 0, 0, 0, time.UTC), PosterPath: "/inception.png"}
	heat      = models.CanonicalMovie{CatalogID: 949, Title: "Heat", ReleaseDate: time.Date(1995, 12, 15, 0, 0, 0, 0, time.UTC)}
)

type fakeCatalog struct {
	mu       sync.Mutex
	movies   []models.CanonicalMovie
	searches int
	panicOn  string
}

func (f *fakeCatalog) FindByID(_ context.Context, id int64) (*models.CanonicalMovie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.movies {
		if m.CatalogID == id {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

func (f *fakeCatalog) Search(_ context.Context, query string, year int) ([]models.CanonicalMovie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	if f.panicOn != "" && query == f.panicOn {
		panic("catalog exploded")
	}
	var out []models.CanonicalMovie
	for _, m := range f.movies {
		if strings.EqualFold(m.Title, query) && (year == 0 || m.ReleaseYear() == year) {
			out = append(out, m)
		}
	}
	return out, nil
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		JobLease:           time.Minute,
		ProviderTimeout:    2 * time.Second,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
		CatalogStaleAfter:  24 * time.Hour,
		CatalogSyncBatch:   50,
		TraktPageSize:      100,
	}
}

func userPtr(id int64) *int64 { return &id }

// runJob enqueues, claims, executes and completes one job.
func runJob(t *testing.T, st *store.Memory, p *Processor, params store.EnqueueParams) models.Job {
	t.Helper()
	ctx := context.Background()
	_, err := st.Enqueue(ctx, params)
	require.NoError(t, err)
	job, err := st.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	status, reason := p.Execute(ctx, *job)
	require.NoError(t, st.Complete(ctx, job.ID, status, reason))
	done, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return done
}

func writeExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ViewingActivity.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func netflixJob(userID int64, path string) store.EnqueueParams {
	return store.EnqueueParams{
		UserID:  userPtr(userID),
		Type:    models.JobTypeNetflixImportHistory,
		Payload: map[string]any{"path": path, "date_format": "m/d/y"},
	}
}

const viewingActivity = "Title,Date\n" +
	"Inception,1/5/23\n" +
	"Inception,1/5/23\n" +
	"Inception,2/1/23\n" +
	"\"Dark: Season 1: Secrets\",1/6/23\n" +
	"Some Lost Film,1/7/23\n"

func TestNetflixImportIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	cat := &fakeCatalog{movies: []models.CanonicalMovie{inception}}
	p := NewProcessor(testConfig(), st, cat, nil)

	first := runJob(t, st, p, netflixJob(1, writeExport(t, viewingActivity)))
	assert.Equal(t, models.StatusCompletedSuccessful, first.Status)
	assert.Nil(t, first.FailureReason)

	watches, err := st.ListWatches(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, watches, 2, "same-day duplicates collapse, another day is a new row")
	assert.Equal(t, 2, cat.searches, "one catalog search per distinct title and year")

	second := runJob(t, st, p, netflixJob(1, writeExport(t, viewingActivity)))
	assert.Equal(t, models.StatusCompletedSuccessful, second.Status)
	watches, err = st.ListWatches(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, watches, 2)

	unmatched, err := st.ListUnmatched(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, unmatched, 1, "re-import keeps one placeholder")
	assert.Equal(t, "Some Lost Film", unmatched[0].ExternalTitle)
}

func TestNetflixImportRemovesUpload(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{}, nil)
	path := writeExport(t, viewingActivity)

	job := runJob(t, st, p, netflixJob(1, path))
	assert.Equal(t, models.StatusCompletedSuccessful, job.Status, "unmatched records do not fail the job")
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLetterboxdImport(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	cat := &fakeCatalog{movies: []models.CanonicalMovie{inception, heat}}
	p := NewProcessor(testConfig(), st, cat, nil)

	diary := writeExport(t, "Date,Name,Year,Letterboxd URI,Rating,Rewatch,Tags,Watched Date\n"+
		"2023-01-07,Inception,2010,https://boxd.it/a,4.5,,,2023-01-05\n"+
		"2023-01-08,Some Lost Film,1986,https://boxd.it/b,,,,2023-01-08\n")
	job := runJob(t, st, p, store.EnqueueParams{
		UserID:  userPtr(1),
		Type:    models.JobTypeLetterboxdImportHistory,
		Payload: map[string]any{"path": diary},
	})
	require.Equal(t, models.StatusCompletedSuccessful, job.Status)
	_, err := os.Stat(diary)
	assert.True(t, os.IsNotExist(err))

	watches, err := st.ListWatches(ctx, 1)
	require.NoError(t, err)
	require.Len(t, watches, 1)
	assert.Equal(t, inception.CatalogID, watches[0].MovieID)
	assert.Equal(t, models.SourceLetterboxd, watches[0].Source)
	unmatched, err := st.ListUnmatched(ctx, 1)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "Some Lost Film", unmatched[0].ExternalTitle)
	assert.Equal(t, models.SourceLetterboxd, unmatched[0].Source)

	for _, stars := range []string{"3", "4.5"} {
		ratings := writeExport(t, "Name,Year,Rating\nInception,2010,"+stars+"\n")
		job = runJob(t, st, p, store.EnqueueParams{
			UserID:  userPtr(1),
			Type:    models.JobTypeLetterboxdImportRatings,
			Payload: map[string]any{"path": ratings},
		})
		require.Equal(t, models.StatusCompletedSuccessful, job.Status)
	}
	rated := st.Ratings(1)
	require.Len(t, rated, 1)
	assert.Equal(t, 9, rated[0].Rating, "a newer export replaces the rating")
}

func TestInvalidImportFileReasonIsSurfaced(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{}, nil)

	job := runJob(t, st, p, netflixJob(1, writeExport(t, "Title,Duration\nInception,2:28:00\n")))
	assert.Equal(t, models.StatusCompletedFailed, job.Status)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, "invalid import file: missing date column", *job.FailureReason)
}

func TestInvalidPayloadFailsJob(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{}, nil)

	job := runJob(t, st, p, store.EnqueueParams{
		UserID:  userPtr(1),
		Type:    models.JobTypeNetflixImportHistory,
		Payload: map[string]any{"date_format": "yy.mm"},
	})
	assert.Equal(t, models.StatusCompletedFailed, job.Status)
	assert.Contains(t, *job.FailureReason, "invalid payload")
}

func TestUnsupportedJobType(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{}, nil)

	job := runJob(t, st, p, store.EnqueueParams{UserID: userPtr(1), Type: "jellyfin_import"})
	assert.Equal(t, models.StatusCompletedFailed, job.Status)
	assert.Equal(t, `unsupported job type "jellyfin_import"`, *job.FailureReason)
}

func TestHandlerPanicFailsJob(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{panicOn: "Inception"}, nil)

	job := runJob(t, st, p, netflixJob(1, writeExport(t, viewingActivity)))
	assert.Equal(t, models.StatusCompletedFailed, job.Status)
	assert.Equal(t, "internal error while running job", *job.FailureReason)
}

func TestFailureReasonIsTruncated(t *testing.T) {
	reason := failureReason(fmt.Errorf("%s", strings.Repeat("é", 400)))
	assert.Equal(t, maxReasonRunes, utf8.RuneCountInString(reason))
	assert.True(t, utf8.ValidString(reason))
}

func TestTraktHistoryAdvancesCursor(t *testing.T) {
	var startAt []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startAt = append(startAt, r.URL.Query().Get("start_at"))
		w.Header().Set("X-Pagination-Page-Count", "1")
		_, _ = fmt.Fprint(w, `[
			{"id":2,"watched_at":"2024-02-02T20:00:00.000Z","movie":{"title":"Inception","year":2010,"ids":{"tmdb":27205}}},
			{"id":1,"watched_at":"2024-01-01T20:00:00.000Z","movie":{"title":"Heat","year":1995,"ids":{"tmdb":null}}}]`)
	}))
	t.Cleanup(srv.Close)

	st := store.NewMemory()
	st.PutIntegration(models.Integration{UserID: 7, TraktUsername: "alice", TraktClientID: "cid"})
	cfg := testConfig()
	cfg.TraktBaseURL = srv.URL
	p := NewProcessor(cfg, st, &fakeCatalog{movies: []models.CanonicalMovie{inception, heat}}, nil)

	job := runJob(t, st, p, store.EnqueueParams{UserID: userPtr(7), Type: models.JobTypeTraktImportHistory})
	require.Equal(t, models.StatusCompletedSuccessful, job.Status)

	cursor, err := st.Cursor(context.Background(), 7, cursorTraktHistory)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, time.Date(2024, 2, 2, 20, 0, 0, 0, time.UTC), cursor.UTC())

	watches, err := st.ListWatches(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, watches, 2)

	runJob(t, st, p, store.EnqueueParams{UserID: userPtr(7), Type: models.JobTypeTraktImportHistory})
	require.Len(t, startAt, 2)
	assert.Empty(t, startAt[0])
	assert.Equal(t, "2024-02-02T20:00:00Z", startAt[1])
}

func TestTraktWithoutAccountFails(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{}, nil)

	job := runJob(t, st, p, store.EnqueueParams{UserID: userPtr(3), Type: models.JobTypeTraktImportRatings})
	assert.Equal(t, models.StatusCompletedFailed, job.Status)
}

func TestPlexScrobbleJob(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{movies: []models.CanonicalMovie{inception}}, nil)
	watched := time.Date(2024, 3, 1, 22, 15, 0, 0, time.UTC)

	job := runJob(t, st, p, store.EnqueueParams{
		UserID:   userPtr(2),
		Type:     models.JobTypePlexScrobble,
		DedupKey: "10@2024-03-01",
		Payload:  map[string]any{"rating_key": "10", "title": "Inception", "year": 2010, "watched_at": watched},
	})
	require.Equal(t, models.StatusCompletedSuccessful, job.Status)

	watches, err := st.ListWatches(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, watches, 1)
	assert.Equal(t, models.SourcePlex, watches[0].Source)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), watches[0].WatchedAt.UTC())
}

func TestMovieSyncRefreshesStaleRows(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return old })
	require.NoError(t, st.UpsertMovie(ctx, models.CanonicalMovie{CatalogID: inception.CatalogID, Title: "Inception (old)"}))
	require.NoError(t, st.UpsertMovie(ctx, models.CanonicalMovie{CatalogID: 1, Title: "Withdrawn"}))
	st.SetClock(time.Now)

	p := NewProcessor(testConfig(), st, &fakeCatalog{movies: []models.CanonicalMovie{inception}}, nil)
	job := runJob(t, st, p, store.EnqueueParams{Type: models.JobTypeTmdbMovieSync})
	require.Equal(t, models.StatusCompletedSuccessful, job.Status)

	m, ok := st.Movie(inception.CatalogID)
	require.True(t, ok)
	assert.Equal(t, "Inception", m.Title)
	m, ok = st.Movie(1)
	require.True(t, ok)
	assert.Equal(t, "Withdrawn", m.Title)
	assert.True(t, st.MovieMissing(1))
}

func TestMovieSyncMovesPastWithdrawnMovies(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.SetClock(func() time.Time { return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC) })
	require.NoError(t, st.UpsertMovie(ctx, models.CanonicalMovie{CatalogID: 1, Title: "Withdrawn"}))
	st.SetClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	require.NoError(t, st.UpsertMovie(ctx, models.CanonicalMovie{CatalogID: inception.CatalogID, Title: "Inception (old)"}))
	st.SetClock(time.Now)

	cfg := testConfig()
	cfg.CatalogSyncBatch = 1
	p := NewProcessor(cfg, st, &fakeCatalog{movies: []models.CanonicalMovie{inception}}, nil)

	for i := 0; i < 2; i++ {
		job := runJob(t, st, p, store.EnqueueParams{Type: models.JobTypeTmdbMovieSync})
		require.Equal(t, models.StatusCompletedSuccessful, job.Status)
	}

	m, ok := st.Movie(inception.CatalogID)
	require.True(t, ok)
	assert.Equal(t, "Inception", m.Title, "a withdrawn movie does not block the batch")
	assert.True(t, st.MovieMissing(1))
}

func TestUserJobWithoutOwnerFails(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{}, nil)

	job := runJob(t, st, p, store.EnqueueParams{Type: models.JobTypePlexImportHistory})
	assert.Equal(t, models.StatusCompletedFailed, job.Status)
	assert.Contains(t, *job.FailureReason, "has no owner")
}
