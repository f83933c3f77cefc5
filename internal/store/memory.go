package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"movie-history-sync/internal/models"
)

// Memory is an in-process store with the same contract as Store.
// It backs unit tests; the binaries always run on Postgres.
type Memory struct {
	mu  sync.Mutex
	seq int64

	jobs     map[string]*memJob
	movies   map[int64]*memMovie
	watches  map[watchKey]models.WatchHistoryEntry
	ratings  map[ratingKey]models.MovieRating
	unmatch  map[int64]models.UnmatchedRecord
	cursors  map[cursorKey]time.Time
	integr   map[int64]models.Integration
	nextUnID int64

	now func() time.Time
}

type memJob struct {
	seq int64
	job models.Job
}

type memMovie struct {
	movie     models.CanonicalMovie
	updatedAt time.Time
	cachedAt  *time.Time
	missingAt *time.Time
}

type watchKey struct {
	userID, movieID int64
	day             time.Time
	source          models.Source
}

type ratingKey struct{ userID, movieID int64 }

type cursorKey struct {
	userID int64
	name   string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    map[string]*memJob{},
		movies:  map[int64]*memMovie{},
		watches: map[watchKey]models.WatchHistoryEntry{},
		ratings: map[ratingKey]models.MovieRating{},
		unmatch: map[int64]models.UnmatchedRecord{},
		cursors: map[cursorKey]time.Time{},
		integr:  map[int64]models.Integration{},
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Enqueue(_ context.Context, p EnqueueParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := ownerOf(p.UserID)
	for _, mj := range m.jobs {
		j := mj.job
		if j.OwnerID() == owner && j.Type == p.Type && j.DedupKey == p.DedupKey && !j.Status.Terminal() {
			return models.Job{}, ErrDuplicatePendingJob
		}
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	m.seq++
	job := models.Job{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		Type:      p.Type,
		Payload:   p.Payload,
		DedupKey:  p.DedupKey,
		Status:    models.StatusPending,
		CreatedAt: m.now(),
	}
	m.jobs[job.ID] = &memJob{seq: m.seq, job: job}
	return job, nil
}

func (m *Memory) ClaimNext(context.Context) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *memJob
	for _, mj := range m.jobs {
		switch mj.job.Status {
		case models.StatusInProgress:
			return nil, nil
		case models.StatusPending:
			if next == nil || mj.seq < next.seq {
				next = mj
			}
		}
	}
	if next == nil {
		return nil, nil
	}
	now := m.now()
	next.job.Status = models.StatusInProgress
	next.job.StartedAt = &now
	job := next.job
	return &job, nil
}

func (m *Memory) Complete(_ context.Context, id string, status models.JobStatus, failureReason *string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mj, ok := m.jobs[id]
	if !ok || mj.job.Status != models.StatusInProgress {
		return fmt.Errorf("%w: job %s is not in progress", ErrInvalidTransition, id)
	}
	now := m.now()
	mj.job.Status = status
	mj.job.FinishedAt = &now
	mj.job.FailureReason = failureReason
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return mj.job, nil
}

func (m *Memory) Find(_ context.Context, userID int64, jobType models.JobType) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := []*memJob{}
	for _, mj := range m.jobs {
		if mj.job.UserID == nil || *mj.job.UserID != userID {
			continue
		}
		if jobType != "" && mj.job.Type != jobType {
			continue
		}
		matches = append(matches, mj)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq > matches[j].seq })
	jobs := make([]models.Job, 0, len(matches))
	for _, mj := range matches {
		jobs = append(jobs, mj.job)
	}
	return jobs, nil
}

func (m *Memory) PurgeAll(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mj := range m.jobs {
		if mj.job.Status == models.StatusInProgress {
			return 0, fmt.Errorf("%w: cannot purge while a job is in progress", ErrInvalidTransition)
		}
	}
	n := int64(len(m.jobs))
	clear(m.jobs)
	return n, nil
}

func (m *Memory) PurgeTerminal(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, mj := range m.jobs {
		if mj.job.Status.Terminal() {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ReapStale(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, mj := range m.jobs {
		j := &mj.job
		if j.Status == models.StatusInProgress && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			reason := ReasonWorkerLost
			j.Status = models.StatusCompletedFailed
			j.FinishedAt = &now
			j.FailureReason = &reason
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(context.Context) (models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats models.QueueStats
	for _, mj := range m.jobs {
		stats.Add(mj.job.Status, 1)
	}
	return stats, nil
}

func (m *Memory) UpsertMovie(_ context.Context, movie models.CanonicalMovie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertMovieLocked(movie, true)
	return nil
}

func (m *Memory) upsertMovieLocked(movie models.CanonicalMovie, overwrite bool) {
	existing, ok := m.movies[movie.CatalogID]
	if ok && !overwrite {
		return
	}
	row := &memMovie{movie: movie, updatedAt: m.now()}
	if ok && existing.movie.PosterPath == movie.PosterPath {
		row.cachedAt = existing.cachedAt
	}
	m.movies[movie.CatalogID] = row
}

func (m *Memory) InsertWatch(_ context.Context, e models.WatchHistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertWatchLocked(e)
}

func (m *Memory) insertWatchLocked(e models.WatchHistoryEntry) (bool, error) {
	if _, ok := m.movies[e.MovieID]; !ok {
		return false, fmt.Errorf("insert watch: movie %d is not cached", e.MovieID)
	}
	e.WatchedAt = models.DayOf(e.WatchedAt)
	k := watchKey{userID: e.UserID, movieID: e.MovieID, day: e.WatchedAt, source: e.Source}
	if _, ok := m.watches[k]; ok {
		return false, nil
	}
	m.watches[k] = e
	return true, nil
}

func (m *Memory) InsertUnmatched(_ context.Context, r models.UnmatchedRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.WatchedAt = dayPtr(r.WatchedAt)
	for _, existing := range m.unmatch {
		if existing.UserID == r.UserID && existing.Source == r.Source && existing.Kind == r.Kind &&
			existing.ExternalTitle == r.ExternalTitle && sameDay(existing.WatchedAt, r.WatchedAt) {
			return false, nil
		}
	}
	m.nextUnID++
	r.ID = m.nextUnID
	r.CreatedAt = m.now()
	m.unmatch[r.ID] = r
	return true, nil
}

func (m *Memory) UpsertRating(_ context.Context, r models.MovieRating, overwrite bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertRatingLocked(r, overwrite)
}

func (m *Memory) upsertRatingLocked(r models.MovieRating, overwrite bool) (bool, error) {
	if r.Rating < 1 || r.Rating > 10 {
		return false, fmt.Errorf("upsert rating: %d out of range", r.Rating)
	}
	if _, ok := m.movies[r.MovieID]; !ok {
		return false, fmt.Errorf("upsert rating: movie %d is not cached", r.MovieID)
	}
	k := ratingKey{r.UserID, r.MovieID}
	existing, ok := m.ratings[k]
	if ok && (!overwrite || existing.Rating == r.Rating) {
		return false, nil
	}
	m.ratings[k] = r
	return true, nil
}

func (m *Memory) ListWatches(_ context.Context, userID int64) ([]models.WatchHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := []models.WatchHistoryEntry{}
	for _, e := range m.watches {
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].WatchedAt.Equal(entries[j].WatchedAt) {
			return entries[i].WatchedAt.After(entries[j].WatchedAt)
		}
		return entries[i].MovieID < entries[j].MovieID
	})
	return entries, nil
}

// Ratings returns a user's ratings ordered by movie.
func (m *Memory) Ratings(userID int64) []models.MovieRating {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.MovieRating{}
	for _, r := range m.ratings {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b models.MovieRating) int { return cmp.Compare(a.MovieID, b.MovieID) })
	return out
}

func (m *Memory) ListUnmatched(_ context.Context, userID int64) ([]models.UnmatchedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.UnmatchedRecord{}
	for _, r := range m.unmatch {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b models.UnmatchedRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) ResolveUnmatched(_ context.Context, userID, id int64, movie models.CanonicalMovie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.unmatch[id]
	if !ok || rec.UserID != userID {
		return fmt.Errorf("unmatched record %d: %w", id, ErrNotFound)
	}
	m.upsertMovieLocked(movie, false)
	switch {
	case rec.Kind == models.KindWatch && rec.WatchedAt != nil:
		if _, err := m.insertWatchLocked(models.WatchHistoryEntry{
			UserID: userID, MovieID: movie.CatalogID, WatchedAt: *rec.WatchedAt,
			Source: rec.Source, ProviderRating: rec.ProviderRating,
		}); err != nil {
			return err
		}
	case rec.Kind == models.KindRating && rec.ProviderRating != nil:
		if _, err := m.upsertRatingLocked(models.MovieRating{
			UserID: userID, MovieID: movie.CatalogID, Source: rec.Source, Rating: *rec.ProviderRating,
		}, true); err != nil {
			return err
		}
	}
	delete(m.unmatch, id)
	return nil
}

func (m *Memory) StaleMovies(_ context.Context, before time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := []*memMovie{}
	for _, mv := range m.movies {
		if mv.updatedAt.Before(before) {
			stale = append(stale, mv)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].updatedAt.Before(stale[j].updatedAt) })
	ids := []int64{}
	for _, mv := range stale {
		if len(ids) == limit {
			break
		}
		ids = append(ids, mv.movie.CatalogID)
	}
	return ids, nil
}

func (m *Memory) MarkMovieMissing(_ context.Context, catalogID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv, ok := m.movies[catalogID]; ok {
		now := m.now()
		mv.updatedAt = now
		mv.missingAt = &now
	}
	return nil
}

// MovieMissing reports whether the catalog reported the movie as gone.
func (m *Memory) MovieMissing(catalogID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mv, ok := m.movies[catalogID]
	return ok && mv.missingAt != nil
}

func (m *Memory) UncachedPosters(_ context.Context, limit int) ([]models.CanonicalMovie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.CanonicalMovie{}
	for _, mv := range m.movies {
		if mv.movie.PosterPath != "" && mv.cachedAt == nil {
			out = append(out, mv.movie)
		}
	}
	slices.SortFunc(out, func(a, b models.CanonicalMovie) int { return cmp.Compare(a.CatalogID, b.CatalogID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkPosterCached(_ context.Context, catalogID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv, ok := m.movies[catalogID]; ok {
		now := m.now()
		mv.cachedAt = &now
	}
	return nil
}

// Movie returns a cached catalog record.
func (m *Memory) Movie(catalogID int64) (models.CanonicalMovie, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mv, ok := m.movies[catalogID]
	if !ok {
		return models.CanonicalMovie{}, false
	}
	return mv.movie, true
}

func (m *Memory) Cursor(_ context.Context, userID int64, name string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.cursors[cursorKey{userID, name}]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) SetCursor(_ context.Context, userID int64, name string, mark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cursorKey{userID, name}
	if cur, ok := m.cursors[k]; ok && cur.After(mark) {
		return nil
	}
	m.cursors[k] = mark
	return nil
}

// PutIntegration stores the provider settings of a user.
func (m *Memory) PutIntegration(in models.Integration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.DateFormat == "" {
		in.DateFormat = "m/d/y"
	}
	m.integr[in.UserID] = in
}

func (m *Memory) Integration(_ context.Context, userID int64) (models.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integr[userID]
	if !ok {
		return models.Integration{}, fmt.Errorf("integration: %w", ErrNotFound)
	}
	return in, nil
}

func (m *Memory) IntegrationByWebhookID(_ context.Context, webhookID string) (models.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.integr {
		if webhookID != "" && in.PlexWebhookID == webhookID {
			return in, nil
		}
	}
	return models.Integration{}, fmt.Errorf("integration: %w", ErrNotFound)
}

func ownerOf(userID *int64) int64 {
	if userID == nil {
		return 0
	}
	return *userID
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
