package models

import (
	"time"
)

// Source identifies the provider a history row came from.
type Source string

const (
	SourceNetflix    Source = "netflix"
	SourceLetterboxd Source = "letterboxd"
	SourceTrakt      Source = "trakt"
	SourcePlex       Source = "plex"
	SourceManual     Source = "manual"
)

// RawActivityRecord is a provider record before it is matched to the catalog.
type RawActivityRecord struct {
	ExternalTitle  string
	ProviderID     *int64
	Year           int
	WatchedAt      *time.Time
	ProviderRating *int
}

// CanonicalMovie is a catalog record.
type CanonicalMovie struct {
	CatalogID   int64     `json:"catalog_id"`
	Title       string    `json:"title"`
	ReleaseDate time.Time `json:"release_date"`
	PosterPath  string    `json:"poster_path,omitempty"`
}

// ReleaseYear returns the release year or 0 when unknown.
func (m CanonicalMovie) ReleaseYear() int {
	if m.ReleaseDate.IsZero() {
		return 0
	}
	return m.ReleaseDate.Year()
}

// Confidence describes how a match was made.
type Confidence string

const (
	ConfidenceNone      Confidence = ""
	ConfidenceExactID   Confidence = "exact_id"
	ConfidenceTitleYear Confidence = "title_year"
	ConfidenceTitle     Confidence = "title"
)

// MatchResult is the outcome of resolving one record. A nil Movie means unmatched.
type MatchResult struct {
	Movie      *CanonicalMovie
	Confidence Confidence
}

// Matched reports whether the record resolved to a catalog movie.
func (m MatchResult) Matched() bool {
	return m.Movie != nil
}

// Unmatched is the zero MatchResult.
var Unmatched = MatchResult{}

// WatchHistoryEntry is one play of a movie by a user on a calendar day.
type WatchHistoryEntry struct {
	UserID         int64     `json:"user_id"`
	MovieID        int64     `json:"movie_id"`
	WatchedAt      time.Time `json:"watched_at"`
	Source         Source    `json:"source"`
	ProviderRating *int      `json:"provider_rating,omitempty"`
}

// RecordKind distinguishes history placeholders from rating placeholders.
type RecordKind string

const (
	KindWatch  RecordKind = "watch"
	KindRating RecordKind = "rating"
)

// UnmatchedRecord is the Unknown-tagged placeholder kept for manual matching.
type UnmatchedRecord struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Source         Source     `json:"source"`
	Kind           RecordKind `json:"kind"`
	ExternalTitle  string     `json:"external_title"`
	WatchedAt      *time.Time `json:"watched_at,omitempty"`
	ProviderRating *int       `json:"provider_rating,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// MovieRating is a user's rating of a movie on a 1-10 scale.
type MovieRating struct {
	UserID  int64  `json:"user_id"`
	MovieID int64  `json:"movie_id"`
	Source  Source `json:"source"`
	Rating  int    `json:"rating"`
}

// Integration holds the provider settings of a user. Credential exchange happens elsewhere.
type Integration struct {
	UserID        int64
	PlexWebhookID string
	PlexServerURL string
	PlexToken     string
	TraktUsername string
	TraktClientID string
	DateFormat    string
}

// DayOf truncates t to its UTC calendar day; history is kept per day.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
