// Package matcher resolves provider records to catalog movies.
//
// A Matcher caches every lookup it makes, so one instance is built per job
// run or webhook call and thrown away afterwards. It is not safe for
// concurrent use.
package matcher

import (
	"context"
	"fmt"
	"strconv"

	"movie-history-sync/internal/models"
	"movie-history-sync/internal/telemetry"
)

// Catalog is the lookup surface the matcher needs.
type Catalog interface {
	FindByID(ctx context.Context, id int64) (*models.CanonicalMovie, error)
	Search(ctx context.Context, query string, year int) ([]models.CanonicalMovie, error)
}

type Matcher struct {
	catalog Catalog
	byID    map[int64]*models.CanonicalMovie
	byTitle map[string]models.MatchResult
}

func New(c Catalog) *Matcher {
	return &Matcher{
		catalog: c,
		byID:    map[int64]*models.CanonicalMovie{},
		byTitle: map[string]models.MatchResult{},
	}
}

// Resolve maps rec to a catalog movie. A miss is models.Unmatched with a nil
// error; errors are reserved for catalog failures.
func (m *Matcher) Resolve(ctx context.Context, rec models.RawActivityRecord) (models.MatchResult, error) {
	if rec.ProviderID != nil {
		return m.resolveID(ctx, *rec.ProviderID)
	}
	return m.resolveTitle(ctx, rec.ExternalTitle, rec.Year)
}

func (m *Matcher) resolveID(ctx context.Context, id int64) (models.MatchResult, error) {
	movie, ok := m.byID[id]
	if ok {
		telemetry.CatalogLookups.WithLabelValues("id", "hit").Inc()
	} else {
		telemetry.CatalogLookups.WithLabelValues("id", "miss").Inc()
		var err error
		movie, err = m.catalog.FindByID(ctx, id)
		if err != nil {
			return models.Unmatched, fmt.Errorf("find catalog movie %d: %w", id, err)
		}
		m.byID[id] = movie
	}
	if movie == nil {
		return models.Unmatched, nil
	}
	return models.MatchResult{Movie: movie, Confidence: models.ConfidenceExactID}, nil
}

func (m *Matcher) resolveTitle(ctx context.Context, title string, year int) (models.MatchResult, error) {
	query, year := StripYear(title, year)
	want := Normalize(query)
	if want == "" {
		return models.Unmatched, nil
	}
	key := want + "|" + strconv.Itoa(year)
	if res, ok := m.byTitle[key]; ok {
		telemetry.CatalogLookups.WithLabelValues("title", "hit").Inc()
		return res, nil
	}
	telemetry.CatalogLookups.WithLabelValues("title", "miss").Inc()

	candidates, err := m.catalog.Search(ctx, query, year)
	if err != nil {
		return models.Unmatched, fmt.Errorf("search catalog for %q: %w", query, err)
	}
	res := pick(candidates, want, year)
	if !res.Matched() && year > 0 {
		// regional release dates often disagree with the provider's year
		candidates, err = m.catalog.Search(ctx, query, 0)
		if err != nil {
			return models.Unmatched, fmt.Errorf("search catalog for %q: %w", query, err)
		}
		res = pick(candidates, want, year)
	}
	m.byTitle[key] = res
	return res, nil
}

// pick returns the first candidate, in rank order, whose normalized title
// equals want, preferring one released in year.
func pick(candidates []models.CanonicalMovie, want string, year int) models.MatchResult {
	var first *models.CanonicalMovie
	for i := range candidates {
		c := &candidates[i]
		if Normalize(c.Title) != want {
			continue
		}
		if year > 0 && c.ReleaseYear() == year {
			return models.MatchResult{Movie: c, Confidence: models.ConfidenceTitleYear}
		}
		if first == nil {
			first = c
		}
	}
	if first == nil {
		return models.Unmatched
	}
	return models.MatchResult{Movie: first, Confidence: models.ConfidenceTitle}
}

// Search passes a manual query through to the catalog for the match review screen.
func (m *Matcher) Search(ctx context.Context, query string) ([]models.CanonicalMovie, error) {
	query, year := StripYear(query, 0)
	return m.catalog.Search(ctx, query, year)
}

// FindByID resolves a catalog id chosen during manual matching.
func (m *Matcher) FindByID(ctx context.Context, id int64) (*models.CanonicalMovie, error) {
	res, err := m.resolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	return res.Movie, nil
}
