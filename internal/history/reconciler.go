// Package history folds matched and unmatched provider records into the
// canonical per-user watch history. Every write is an idempotent upsert, so
// replaying an import or a webhook never duplicates rows.
package history

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"movie-history-sync/internal/models"
	"movie-history-sync/internal/telemetry"
)

// Store is the persistence the reconciler writes to.
type Store interface {
	UpsertMovie(ctx context.Context, m models.CanonicalMovie) error
	InsertWatch(ctx context.Context, e models.WatchHistoryEntry) (bool, error)
	InsertUnmatched(ctx context.Context, r models.UnmatchedRecord) (bool, error)
	UpsertRating(ctx context.Context, r models.MovieRating, overwrite bool) (bool, error)
	ListUnmatched(ctx context.Context, userID int64) ([]models.UnmatchedRecord, error)
	ResolveUnmatched(ctx context.Context, userID, id int64, movie models.CanonicalMovie) error
}

// Outcome is what happened to one record.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeSkipped   Outcome = "skipped"
)

// Result tallies the outcomes of a run.
type Result struct {
	Processed  int `json:"processed"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Unmatched  int `json:"unmatched"`
	Skipped    int `json:"skipped"`
}

// Add counts one outcome.
func (r *Result) Add(o Outcome) {
	r.Processed++
	switch o {
	case OutcomeInserted:
		r.Inserted++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeUnmatched:
		r.Unmatched++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// MarshalZerologObject lets a Result be logged with Object.
func (r Result) MarshalZerologObject(e *zerolog.Event) {
	e.Int("processed", r.Processed).Int("inserted", r.Inserted).Int("duplicates", r.Duplicates).
		Int("unmatched", r.Unmatched).Int("skipped", r.Skipped)
}

type Reconciler struct {
	store Store
}

func NewReconciler(st Store) *Reconciler {
	return &Reconciler{store: st}
}

// Reconcile records one play. Matched plays become history entries keyed by
// (user, movie, day, source); unmatched ones become placeholders for manual review.
// Plays without a date are skipped.
func (r *Reconciler) Reconcile(ctx context.Context, userID int64, rec models.RawActivityRecord, match models.MatchResult, source models.Source) (Outcome, error) {
	outcome, err := r.reconcile(ctx, userID, rec, match, source)
	if err == nil {
		telemetry.RecordsReconciled.WithLabelValues(string(source), string(outcome)).Inc()
	}
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, userID int64, rec models.RawActivityRecord, match models.MatchResult, source models.Source) (Outcome, error) {
	if rec.WatchedAt == nil {
		return OutcomeSkipped, nil
	}
	if !match.Matched() {
		return r.placeholder(ctx, userID, rec, source, models.KindWatch)
	}
	if err := r.store.UpsertMovie(ctx, *match.Movie); err != nil {
		return "", err
	}
	inserted, err := r.store.InsertWatch(ctx, models.WatchHistoryEntry{
		UserID:         userID,
		MovieID:        match.Movie.CatalogID,
		WatchedAt:      models.DayOf(*rec.WatchedAt),
		Source:         source,
		ProviderRating: rec.ProviderRating,
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		return OutcomeDuplicate, nil
	}
	return OutcomeInserted, nil
}

// ReconcileRating records a rating. An existing rating is only replaced when
// overwrite is set. Records without a rating are skipped.
func (r *Reconciler) ReconcileRating(ctx context.Context, userID int64, rec models.RawActivityRecord, match models.MatchResult, source models.Source, overwrite bool) (Outcome, error) {
	outcome, err := r.reconcileRating(ctx, userID, rec, match, source, overwrite)
	if err == nil {
		telemetry.RecordsReconciled.WithLabelValues(string(source), string(outcome)).Inc()
	}
	return outcome, err
}

func (r *Reconciler) reconcileRating(ctx context.Context, userID int64, rec models.RawActivityRecord, match models.MatchResult, source models.Source, overwrite bool) (Outcome, error) {
	if rec.ProviderRating == nil {
		return OutcomeSkipped, nil
	}
	if !match.Matched() {
		return r.placeholder(ctx, userID, rec, source, models.KindRating)
	}
	if err := r.store.UpsertMovie(ctx, *match.Movie); err != nil {
		return "", err
	}
	changed, err := r.store.UpsertRating(ctx, models.MovieRating{
		UserID:  userID,
		MovieID: match.Movie.CatalogID,
		Source:  source,
		Rating:  *rec.ProviderRating,
	}, overwrite)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	return OutcomeInserted, nil
}

func (r *Reconciler) placeholder(ctx context.Context, userID int64, rec models.RawActivityRecord, source models.Source, kind models.RecordKind) (Outcome, error) {
	_, err := r.store.InsertUnmatched(ctx, models.UnmatchedRecord{
		UserID:         userID,
		Source:         source,
		Kind:           kind,
		ExternalTitle:  rec.ExternalTitle,
		WatchedAt:      rec.WatchedAt,
		ProviderRating: rec.ProviderRating,
	})
	if err != nil {
		return "", err
	}
	return OutcomeUnmatched, nil
}

// AssignManual resolves a placeholder to the movie the user picked.
func (r *Reconciler) AssignManual(ctx context.Context, userID, unmatchedID int64, movie models.CanonicalMovie) error {
	if err := r.store.ResolveUnmatched(ctx, userID, unmatchedID, movie); err != nil {
		return fmt.Errorf("assign unmatched record %d: %w", unmatchedID, err)
	}
	telemetry.RecordsReconciled.WithLabelValues(string(models.SourceManual), string(OutcomeInserted)).Inc()
	return nil
}

// Summary lists the records waiting for manual matching.
type Summary struct {
	Count   int                      `json:"count"`
	Message string                   `json:"message,omitempty"`
	Records []models.UnmatchedRecord `json:"records"`
}

// UnmatchedSummary reports what still needs a manual match.
func (r *Reconciler) UnmatchedSummary(ctx context.Context, userID int64) (Summary, error) {
	records, err := r.store.ListUnmatched(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Count: len(records), Records: records}
	if s.Count > 0 {
		s.Message = fmt.Sprintf("%d items need manual matching", s.Count)
	}
	return s, nil
}
