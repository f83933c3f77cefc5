package trakt

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:  srv.URL,
		ClientID: "client-id",
		Username: "alice",
		PageSize: 2,
		Retry:    provider.RetryPolicy{MaxRetries: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
}

func collect(t *testing.T, src provider.Source, cursor *time.Time) ([]models.RawActivityRecord, error) {
	t.Helper()
	var out []models.RawActivityRecord
	for rec, err := range src.FetchActivity(context.Background(), cursor) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var historyPages = map[string]string{
	"1": `[{"id":3,"watched_at":"2024-03-03T20:00:00.000Z","action":"watch","movie":{"title":"Dune: Part Two","year":2024,"ids":{"trakt":1,"tmdb":693134}}},
	       {"id":2,"watched_at":"2024-02-02T20:00:00.000Z","action":"watch","movie":{"title":"Oppenheimer","year":2023,"ids":{"trakt":2,"tmdb":872585}}}]`,
	"2": `[{"id":1,"watched_at":"2024-01-01T20:00:00.000Z","action":"checkin","movie":{"title":"Obscure","year":1999,"ids":{"trakt":3,"tmdb":null}}}]`,
}

func historyHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/alice/history/movies", r.URL.Path)
		assert.Equal(t, "client-id", r.Header.Get("trakt-api-key"))
		assert.Equal(t, "2", r.Header.Get("trakt-api-version"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Header().Set("X-Pagination-Page-Count", "2")
		_, _ = fmt.Fprint(w, historyPages[r.URL.Query().Get("page")])
	}
}

func TestFetchActivityFollowsPagination(t *testing.T) {
	recs, err := collect(t, newClient(t, historyHandler(t)), nil)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "Dune: Part Two", recs[0].ExternalTitle)
	require.NotNil(t, recs[0].ProviderID)
	assert.Equal(t, int64(693134), *recs[0].ProviderID)
	assert.Equal(t, 2024, recs[0].Year)
	assert.Equal(t, time.Date(2024, 3, 3, 20, 0, 0, 0, time.UTC), recs[0].WatchedAt.UTC())

	assert.Nil(t, recs[2].ProviderID, "records without a tmdb id fall back to title matching")
}

func TestFetchActivityStopsAtCursor(t *testing.T) {
	cursor := time.Date(2024, 2, 2, 20, 0, 0, 0, time.UTC)
	recs, err := collect(t, newClient(t, historyHandler(t)), &cursor)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Dune: Part Two", recs[0].ExternalTitle)
}

func TestRatings(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/alice/ratings/movies", r.URL.Path)
		_, _ = fmt.Fprint(w, `[{"rated_at":"2024-01-01T00:00:00.000Z","rating":9,"movie":{"title":"Heat","year":1995,"ids":{"tmdb":949}}},
			{"rated_at":"2024-01-01T00:00:00.000Z","rating":0,"movie":{"title":"Broken","year":1995,"ids":{"tmdb":1}}}]`)
	})
	recs, err := collect(t, c.Ratings(), nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 9, *recs[0].ProviderRating)
	assert.Nil(t, recs[0].WatchedAt)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, `[]`)
	})
	recs, err := collect(t, c, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := collect(t, c, nil)
	var statusErr *provider.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}
