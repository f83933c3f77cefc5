// Package trakt pulls a user's watched movies and ratings from the Trakt API.
package trakt

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
)

const name = "trakt"

// Config configures a Client for one user.
type Config struct {
	BaseURL           string
	ClientID          string
	Username          string
	PageSize          int
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             provider.RetryPolicy
}

// Client reads one user's public Trakt history.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ provider.Source = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

type movie struct {
	Title string `json:"title"`
	Year  int    `json:"year"`
	IDs   struct {
		Trakt int64  `json:"trakt"`
		Slug  string `json:"slug"`
		IMDB  string `json:"imdb"`
		TMDB  *int64 `json:"tmdb"`
	} `json:"ids"`
}

func (m movie) record() models.RawActivityRecord {
	return models.RawActivityRecord{ExternalTitle: m.Title, Year: m.Year, ProviderID: m.IDs.TMDB}
}

type historyItem struct {
	ID        int64     `json:"id"`
	WatchedAt time.Time `json:"watched_at"`
	Action    string    `json:"action"`
	Movie     movie     `json:"movie"`
}

type ratingItem struct {
	RatedAt time.Time `json:"rated_at"`
	Rating  int       `json:"rating"`
	Movie   movie     `json:"movie"`
}

// FetchActivity yields watched movies newest first and stops at cursor, the
// newest play seen by the previous sync.
func (c *Client) FetchActivity(ctx context.Context, cursor *time.Time) iter.Seq2[models.RawActivityRecord, error] {
	return func(yield func(models.RawActivityRecord, error) bool) {
		params := url.Values{}
		if cursor != nil {
			params.Set("start_at", cursor.UTC().Format(time.RFC3339))
		}
		for items, err := range pages[historyItem](ctx, c, "history/movies", params) {
			if err != nil {
				yield(models.RawActivityRecord{}, err)
				return
			}
			for _, it := range items {
				if cursor != nil && !it.WatchedAt.After(*cursor) {
					return
				}
				rec := it.Movie.record()
				watched := it.WatchedAt
				rec.WatchedAt = &watched
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// Ratings returns a source over the user's movie ratings (1-10).
func (c *Client) Ratings() provider.Source {
	return ratingsSource{c}
}

type ratingsSource struct{ c *Client }

func (r ratingsSource) FetchActivity(ctx context.Context, _ *time.Time) iter.Seq2[models.RawActivityRecord, error] {
	return func(yield func(models.RawActivityRecord, error) bool) {
		for items, err := range pages[ratingItem](ctx, r.c, "ratings/movies", nil) {
			if err != nil {
				yield(models.RawActivityRecord{}, err)
				return
			}
			for _, it := range items {
				if it.Rating < 1 || it.Rating > 10 {
					continue
				}
				rec := it.Movie.record()
				rating := it.Rating
				rec.ProviderRating = &rating
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// pages walks a paginated endpoint until X-Pagination-Page-Count is reached.
func pages[T any](ctx context.Context, c *Client, path string, params url.Values) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		if params == nil {
			params = url.Values{}
		}
		params.Set("limit", strconv.Itoa(c.cfg.PageSize))
		for page := 1; ; page++ {
			params.Set("page", strconv.Itoa(page))
			var items []T
			pageCount, err := c.get(ctx, path, params, &items)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(items, nil) {
				return
			}
			if page >= pageCount || len(items) == 0 {
				return
			}
		}
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, v any) (int, error) {
	endpoint := fmt.Sprintf("%s/users/%s/%s?%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Username), path, params.Encode())
	pageCount := 1
	err := provider.Retry(ctx, c.cfg.Retry, name, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("trakt-api-version", "2")
		req.Header.Set("trakt-api-key", c.cfg.ClientID)

		resp, err := provider.Do(c.httpClient, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := provider.CheckResponse(name, resp); err != nil {
			return err
		}
		if n, err := strconv.Atoi(resp.Header.Get("X-Pagination-Page-Count")); err == nil {
			pageCount = n
		}
		return provider.DecodeJSON(resp.Body, v)
	})
	if err != nil {
		return 0, fmt.Errorf("trakt %s: %w", path, err)
	}
	return pageCount, nil
}
