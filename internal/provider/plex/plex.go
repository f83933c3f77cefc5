// Package plex reads watch history and item metadata from a Plex Media Server.
package plex

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
)

const name = "plex"

// Config configures a Client for one user's server.
type Config struct {
	ServerURL string
	Token     string
	PageSize  int
	Timeout   time.Duration
	Retry     provider.RetryPolicy
}

// Client talks to one Plex server. Metadata lookups are cached, so a
// Client is built per job run.
type Client struct {
	cfg        Config
	httpClient *http.Client
	metadata   map[string]Metadata
}

var _ provider.Source = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metadata:   map[string]Metadata{},
	}
}

// Guid is one external id attached to a Plex item, e.g. "tmdb://27205".
type Guid struct {
	ID string `json:"id"`
}

// Metadata is the subset of a Plex item the sync needs.
type Metadata struct {
	RatingKey  string `json:"ratingKey"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Year       int    `json:"year"`
	Duration   int64  `json:"duration"`
	ViewOffset int64  `json:"viewOffset"`
	ViewedAt   int64  `json:"viewedAt"`
	Guids      []Guid `json:"Guid"`
}

// TMDBID returns the catalog id from the item's external ids, if any.
func (m Metadata) TMDBID() *int64 {
	for _, g := range m.Guids {
		rest, ok := strings.CutPrefix(g.ID, "tmdb://")
		if !ok {
			continue
		}
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return &id
		}
	}
	return nil
}

// Record converts the item into a provider record watched at watchedAt.
func (m Metadata) Record(watchedAt time.Time) models.RawActivityRecord {
	return models.RawActivityRecord{
		ExternalTitle: m.Title,
		Year:          m.Year,
		ProviderID:    m.TMDBID(),
		WatchedAt:     &watchedAt,
	}
}

type container struct {
	MediaContainer struct {
		Size      int        `json:"size"`
		TotalSize int        `json:"totalSize"`
		Metadata  []Metadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

// FetchActivity yields movie plays newest first, stopping at cursor.
// History entries carry no external ids, so each distinct item is enriched
// through Metadata.
func (c *Client) FetchActivity(ctx context.Context, cursor *time.Time) iter.Seq2[models.RawActivityRecord, error] {
	return func(yield func(models.RawActivityRecord, error) bool) {
		for start := 0; ; start += c.cfg.PageSize {
			params := url.Values{
				"sort":                   {"viewedAt:desc"},
				"X-Plex-Container-Start": {strconv.Itoa(start)},
				"X-Plex-Container-Size":  {strconv.Itoa(c.cfg.PageSize)},
			}
			if cursor != nil {
				params.Set("viewedAt>", strconv.FormatInt(cursor.Unix(), 10))
			}
			var page container
			if err := c.get(ctx, "/status/sessions/history/all", params, &page); err != nil {
				yield(models.RawActivityRecord{}, err)
				return
			}
			items := page.MediaContainer.Metadata
			for _, it := range items {
				viewed := time.Unix(it.ViewedAt, 0).UTC()
				if cursor != nil && !viewed.After(*cursor) {
					return
				}
				if it.Type != "movie" {
					continue
				}
				meta, err := c.Metadata(ctx, it.RatingKey)
				if err != nil {
					yield(models.RawActivityRecord{}, err)
					return
				}
				if meta.RatingKey == "" {
					// deleted from the library since; fall back to the history title
					meta = it
				}
				if !yield(meta.Record(viewed), nil) {
					return
				}
			}
			total := page.MediaContainer.TotalSize
			if len(items) < c.cfg.PageSize || (total > 0 && start+len(items) >= total) {
				return
			}
		}
	}
}

// Metadata returns the library item behind ratingKey. A missing item yields
// the zero Metadata and no error.
func (c *Client) Metadata(ctx context.Context, ratingKey string) (Metadata, error) {
	if m, ok := c.metadata[ratingKey]; ok {
		return m, nil
	}
	var page container
	err := c.get(ctx, "/library/metadata/"+url.PathEscape(ratingKey), nil, &page)
	var statusErr *provider.StatusError
	if err != nil && !(errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound) {
		return Metadata{}, err
	}
	var m Metadata
	if err == nil && len(page.MediaContainer.Metadata) > 0 {
		m = page.MediaContainer.Metadata[0]
	}
	c.metadata[ratingKey] = m
	return m, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, v any) error {
	if params == nil {
		params = url.Values{}
	}
	endpoint := c.cfg.ServerURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	err := provider.Retry(ctx, c.cfg.Retry, name, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Plex-Token", c.cfg.Token)
		resp, err := provider.Do(c.httpClient, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := provider.CheckResponse(name, resp); err != nil {
			return err
		}
		return provider.DecodeJSON(resp.Body, v)
	})
	if err != nil {
		return fmt.Errorf("plex %s: %w", path, err)
	}
	return nil
}
