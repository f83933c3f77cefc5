package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/telemetry"
)

// Notifier announces a newly enqueued job to idle workers.
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// Scheduler enqueues the periodic system jobs.
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	notifier Notifier
}

// NewScheduler registers the catalog resync and poster warm-up on spec, a
// standard five-field cron expression. notifier may be nil.
func NewScheduler(spec string, st Store, notifier Notifier) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{}))),
		store:    st,
		notifier: notifier,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Trigger(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Trigger enqueues the system jobs now. Jobs still pending from an earlier
// trigger are left alone.
func (s *Scheduler) Trigger(ctx context.Context) {
	for _, t := range []models.JobType{models.JobTypeTmdbMovieSync, models.JobTypeTmdbImageCache} {
		job, created, err := enqueueSystem(ctx, s.store, t)
		if err != nil {
			logging.Error().Err(err).Str("job_type", string(t)).Msg("schedule system job")
			continue
		}
		if !created {
			telemetry.DuplicateEnqueues.WithLabelValues(string(t)).Inc()
			continue
		}
		telemetry.EnqueueCounter.WithLabelValues(string(t)).Inc()
		logging.Info().Str("job_type", string(t)).Msg("system job scheduled")
		if s.notifier != nil {
			if err := s.notifier.Notify(ctx, job.ID); err != nil {
				logging.Warn().Err(err).Msg("wake-up signal not sent")
			}
		}
	}
}

// Run starts the cron runner and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logging.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
