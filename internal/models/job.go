package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending             JobStatus = "pending"
	StatusInProgress          JobStatus = "in_progress"
	StatusCompletedSuccessful JobStatus = "completed_successful"
	StatusCompletedFailed     JobStatus = "completed_failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompletedSuccessful || s == StatusCompletedFailed
}

// JobType is the closed set of work the worker knows how to run.
type JobType string

const (
	JobTypeNetflixImportHistory    JobType = "netflix_import_history"
	JobTypeNetflixImportRatings    JobType = "netflix_import_ratings"
	JobTypeLetterboxdImportHistory JobType = "letterboxd_import_history"
	JobTypeLetterboxdImportRatings JobType = "letterboxd_import_ratings"
	JobTypeTmdbImageCache          JobType = "tmdb_image_cache"
	JobTypeTraktImportHistory      JobType = "trakt_import_history"
	JobTypeTraktImportRatings      JobType = "trakt_import_ratings"
	JobTypeTmdbMovieSync           JobType = "tmdb_movie_sync"
	JobTypePlexImportHistory       JobType = "plex_import_history"
	JobTypePlexScrobble            JobType = "plex_scrobble"
)

// JobTypes lists every supported type in a stable order.
var JobTypes = []JobType{
	JobTypeNetflixImportHistory,
	JobTypeNetflixImportRatings,
	JobTypeLetterboxdImportHistory,
	JobTypeLetterboxdImportRatings,
	JobTypeTmdbImageCache,
	JobTypeTraktImportHistory,
	JobTypeTraktImportRatings,
	JobTypeTmdbMovieSync,
	JobTypePlexImportHistory,
	JobTypePlexScrobble,
}

// ParseJobType maps a wire string onto a known JobType.
func ParseJobType(s string) (JobType, bool) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// UserTriggered reports whether the type may be submitted through the jobs API.
// File imports go through the upload endpoints and scrobbles come from webhooks.
func (t JobType) UserTriggered() bool {
	switch t {
	case JobTypeTraktImportHistory, JobTypeTraktImportRatings, JobTypePlexImportHistory,
		JobTypeTmdbImageCache, JobTypeTmdbMovieSync:
		return true
	}
	return false
}

// Job represents a unit of deferred provider work persisted in Postgres.
type Job struct {
	ID            string         `json:"id"`
	UserID        *int64         `json:"user_id,omitempty"`
	Type          JobType        `json:"type"`
	Payload       map[string]any `json:"payload"`
	DedupKey      string         `json:"-"`
	Status        JobStatus      `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
}

// OwnerID returns the owning user or 0 for system jobs.
func (j Job) OwnerID() int64 {
	if j.UserID == nil {
		return 0
	}
	return *j.UserID
}

// QueueStats counts jobs per status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Succeeded  int64 `json:"completed_successful"`
	Failed     int64 `json:"completed_failed"`
}

// Add accumulates n jobs of the given status.
func (q *QueueStats) Add(status JobStatus, n int64) {
	switch status {
	case StatusPending:
		q.Pending += n
	case StatusInProgress:
		q.InProgress += n
	case StatusCompletedSuccessful:
		q.Succeeded += n
	case StatusCompletedFailed:
		q.Failed += n
	}
}
