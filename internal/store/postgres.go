package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"movie-history-sync/internal/models"
)

var (
	// ErrDuplicatePendingJob is returned when an equivalent job is already pending or running.
	ErrDuplicatePendingJob = errors.New("equivalent job already pending")
	// ErrInvalidTransition is returned for a state change the job lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	UserID   *int64
	Type     models.JobType
	Payload  map[string]any
	DedupKey string
}

const jobColumns = `id, user_id, type, payload, dedup_key, status, created_at, started_at, finished_at, failure_reason`

// Enqueue inserts a pending job unless an equivalent one is still active.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, type, payload, dedup_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT DO NOTHING
		RETURNING `+jobColumns,
		uuid.New().String(), p.UserID, p.Type, payloadJSON, p.DedupKey, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrDuplicatePendingJob
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimNext moves the oldest pending job to in_progress in one conditional update.
// It returns nil when the queue is empty or another claimer won the row.
func (s *Store) ClaimNext(ctx context.Context) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $2
		RETURNING `+jobColumns,
		models.StatusInProgress, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// another job is already in progress somewhere
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Complete moves an in_progress job to a terminal status.
func (s *Store) Complete(ctx context.Context, id string, status models.JobStatus, failureReason *string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, finished_at = NOW(), failure_reason = $3
		WHERE id = $1 AND status = $4
	`, id, status, failureReason, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s is not in progress", ErrInvalidTransition, id)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// Find lists a user's jobs newest first. An empty jobType matches every type.
func (s *Store) Find(ctx context.Context, userID int64, jobType models.JobType) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY seq DESC
	`, userID, string(jobType))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PurgeAll deletes every job. It refuses while a job is in progress.
func (s *Store) PurgeAll(ctx context.Context) (int64, error) {
	var running int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, models.StatusInProgress).Scan(&running); err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	if running > 0 {
		return 0, fmt.Errorf("%w: cannot purge while a job is in progress", ErrInvalidTransition)
	}
	// the guard keeps a job claimed after the count out of the delete
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE status <> $1`, models.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeTerminal deletes completed jobs only.
func (s *Store) PurgeTerminal(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE status IN ($1, $2)`,
		models.StatusCompletedSuccessful, models.StatusCompletedFailed)
	if err != nil {
		return 0, fmt.Errorf("purge processed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReapStale fails in_progress jobs whose worker died before completing them.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, finished_at = NOW(), failure_reason = $2
		WHERE status = $3 AND started_at < $4
	`, models.StatusCompletedFailed, ReasonWorkerLost, models.StatusInProgress, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts jobs per status.
func (s *Store) Stats(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status models.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.Add(status, n)
	}
	return stats, rows.Err()
}

// ReasonWorkerLost is recorded on jobs reaped after a worker crash.
const ReasonWorkerLost = "worker terminated while the job was running"

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var userID pgtype.Int8
	var startedAt, finishedAt pgtype.Timestamptz
	var reason pgtype.Text

	if err := row.Scan(&job.ID, &userID, &job.Type, &payloadJSON, &job.DedupKey, &job.Status,
		&job.CreatedAt, &startedAt, &finishedAt, &reason); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if userID.Valid {
		job.UserID = &userID.Int64
	}
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.FailureReason = textPtr(reason)
	return job, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
