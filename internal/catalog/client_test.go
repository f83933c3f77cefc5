package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-history-sync/internal/provider"
	"movie-history-sync/internal/ratelimit"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Timeout: time.Second,
		Retry:   provider.RetryPolicy{MaxRetries: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
}

func TestFindByID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		switch r.URL.Path {
		case "/movie/27205":
			_, _ = w.Write([]byte(`{"id":27205,"title":"Inception","release_date":"2010-07-15","poster_path":"/inc.jpg"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	movie, err := c.FindByID(context.Background(), 27205)
	require.NoError(t, err)
	require.NotNil(t, movie)
	assert.Equal(t, "Inception", movie.Title)
	assert.Equal(t, 2010, movie.ReleaseYear())
	assert.Equal(t, "/inc.jpg", movie.PosterPath)

	missing, err := c.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSearchPassesYear(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/movie", r.URL.Path)
		assert.Equal(t, "Dune", r.URL.Query().Get("query"))
		assert.Equal(t, "2021", r.URL.Query().Get("year"))
		_, _ = w.Write([]byte(`{"results":[{"id":438631,"title":"Dune","release_date":"2021-09-15"},{"id":841,"title":"Dune","release_date":""}]}`))
	})

	movies, err := c.Search(context.Background(), "Dune", 2021)
	require.NoError(t, err)
	require.Len(t, movies, 2)
	assert.Equal(t, int64(438631), movies[0].CatalogID)
	assert.Zero(t, movies[1].ReleaseYear())
}

func TestRateLimitedResponsesAreRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	})

	movies, err := c.Search(context.Background(), "Anything", 0)
	require.NoError(t, err)
	assert.Empty(t, movies)
	assert.Equal(t, int32(2), calls.Load())
}

func TestServerErrorsSurfaceAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Search(context.Background(), "Anything", 0)
	assert.True(t, errors.Is(err, provider.ErrTransient))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQuotaExhausted(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL: srv.URL,
		Timeout: 20 * time.Millisecond,
		Limiter: ratelimit.NewTokenBucket(rdb, "catalog", 1, 0.001, time.Minute),
	})

	_, err := c.Search(context.Background(), "first", 0)
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "second", 0)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestOpenBreakerIsTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 4; i++ {
		_, err := c.FindByID(context.Background(), 27205)
		require.ErrorIs(t, err, provider.ErrTransient)
	}
	before := calls.Load()

	_, err := c.FindByID(context.Background(), 27205)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, provider.ErrTransient)
	assert.Equal(t, before, calls.Load(), "an open breaker does not reach the server")
}
