// Package catalog talks to the TMDB-style movie metadata catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
	"movie-history-sync/internal/ratelimit"
	"movie-history-sync/internal/telemetry"
)

// ErrQuotaExceeded is returned when the shared request quota stays exhausted.
var ErrQuotaExceeded = errors.New("catalog request quota exceeded")

const name = "tmdb"

// Config configures Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   provider.RetryPolicy
	// Limiter is optional; when set every request takes a token from the shared bucket.
	Limiter *ratelimit.TokenBucket
}

// Client looks movies up by catalog id and by title.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	retry      provider.RetryPolicy
	limiter    *ratelimit.TokenBucket
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[any]
}

// New builds a Client with a circuit breaker that opens after 60% transient failures.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	telemetry.CircuitBreakerOpen.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// only outages count against the breaker; a 404 is an answer
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, provider.ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			telemetry.CircuitBreakerOpen.WithLabelValues(name).Set(float64(to))
		},
	})
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		retry:      cfg.Retry,
		limiter:    cfg.Limiter,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb:         cb,
	}
}

type movieResponse struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date"`
	PosterPath  string `json:"poster_path"`
}

func (m movieResponse) canonical() models.CanonicalMovie {
	movie := models.CanonicalMovie{CatalogID: m.ID, Title: m.Title, PosterPath: m.PosterPath}
	if d, err := time.Parse(time.DateOnly, m.ReleaseDate); err == nil {
		movie.ReleaseDate = d
	}
	return movie
}

type searchResponse struct {
	Results []movieResponse `json:"results"`
}

// FindByID returns the movie with the catalog id, or nil when it does not exist.
func (c *Client) FindByID(ctx context.Context, id int64) (*models.CanonicalMovie, error) {
	var resp movieResponse
	err := c.get(ctx, "/movie/"+strconv.FormatInt(id, 10), nil, &resp)
	var statusErr *provider.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	movie := resp.canonical()
	return &movie, nil
}

// Search returns candidates for a title in the catalog's rank order.
// year narrows the search when non-zero.
func (c *Client) Search(ctx context.Context, query string, year int) ([]models.CanonicalMovie, error) {
	params := url.Values{"query": {query}}
	if year > 0 {
		params.Set("year", strconv.Itoa(year))
	}
	var resp searchResponse
	if err := c.get(ctx, "/search/movie", params, &resp); err != nil {
		return nil, err
	}
	movies := make([]models.CanonicalMovie, 0, len(resp.Results))
	for _, r := range resp.Results {
		movies = append(movies, r.canonical())
	}
	return movies, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, v any) error {
	if params == nil {
		params = url.Values{}
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	endpoint := c.baseURL + path + "?" + params.Encode()

	return provider.Retry(ctx, c.retry, name, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, name, c.timeout); err != nil {
				if errors.Is(err, ratelimit.ErrWaitExceeded) {
					return fmt.Errorf("%w: %w", ErrQuotaExceeded, provider.ErrTransient)
				}
				return fmt.Errorf("catalog rate limiter: %w", err)
			}
		}
		_, err := c.cb.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Accept", "application/json")
			resp, err := provider.Do(c.httpClient, req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if err := provider.CheckResponse(name, resp); err != nil {
				return nil, err
			}
			return nil, provider.DecodeJSON(resp.Body, v)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", err, provider.ErrTransient)
		}
		return err
	})
}
