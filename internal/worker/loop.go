package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"movie-history-sync/internal/config"
	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/telemetry"
)

// State is the phase the loop is in.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateExecuting:
		return "executing"
	}
	return "idle"
}

// Signal wakes an idle loop before its poll interval elapses.
type Signal interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Loop claims jobs one at a time and hands them to the Processor.
type Loop struct {
	store        Store
	processor    *Processor
	signal       Signal
	pollInterval time.Duration
	lease        time.Duration
	runOnce      bool
	state        atomic.Int32
}

// NewLoop builds a Loop. signal may be nil, in which case the loop only polls.
func NewLoop(cfg config.Config, st Store, p *Processor, signal Signal) *Loop {
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Loop{
		store:        st,
		processor:    p,
		signal:       signal,
		pollInterval: poll,
		lease:        cfg.JobLease,
		runOnce:      cfg.WorkerRunOnce,
	}
}

// State reports the current phase.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run processes jobs until ctx is cancelled, or until the queue is drained in
// run-once mode. Job failures are recorded on the job; only storage errors
// end the loop.
func (l *Loop) Run(ctx context.Context) error {
	log := logging.WithComponent("worker")
	if l.lease > 0 {
		n, err := l.store.ReapStale(ctx, l.lease)
		if err != nil {
			return fmt.Errorf("reap stale jobs: %w", err)
		}
		if n > 0 {
			log.Warn().Int64("jobs", n).Msg("failed jobs left running by a previous worker")
		}
	}

	for {
		if ctx.Err() != nil {
			l.state.Store(int32(StateIdle))
			return nil
		}
		l.state.Store(int32(StatePolling))
		l.refreshDepth(ctx)
		job, err := l.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim next job: %w", err)
		}

		if job == nil {
			l.state.Store(int32(StateIdle))
			if l.runOnce {
				drained, err := l.drained(ctx)
				if err != nil {
					return err
				}
				if drained {
					log.Info().Msg("queue drained")
					return nil
				}
			}
			l.idle(ctx)
			continue
		}

		l.state.Store(int32(StateExecuting))
		log.Info().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("job claimed")
		status, reason := l.execute(ctx, *job)
		// the outcome is stored even when shutdown interrupted the job
		if err := l.store.Complete(context.WithoutCancel(ctx), job.ID, status, reason); err != nil {
			return fmt.Errorf("complete job %s: %w", job.ID, err)
		}
	}
}

func (l *Loop) execute(ctx context.Context, job models.Job) (models.JobStatus, *string) {
	if l.lease > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.lease)
		defer cancel()
	}
	return l.processor.Execute(ctx, job)
}

func (l *Loop) drained(ctx context.Context) (bool, error) {
	stats, err := l.store.Stats(ctx)
	if err != nil {
		return false, fmt.Errorf("queue stats: %w", err)
	}
	return stats.Pending == 0, nil
}

// idle waits for the wake-up signal, never longer than the poll interval.
func (l *Loop) idle(ctx context.Context) {
	start := time.Now()
	if l.signal != nil {
		woke, err := l.signal.Wait(ctx, l.pollInterval)
		if err == nil {
			if woke {
				logging.Debug().Msg("worker woken by enqueue signal")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		logging.Warn().Err(err).Msg("wake-up signal unavailable, polling")
	}
	remaining := l.pollInterval - time.Since(start)
	if remaining <= 0 {
		return
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (l *Loop) refreshDepth(ctx context.Context) {
	stats, err := l.store.Stats(ctx)
	if err != nil {
		logging.Debug().Err(err).Msg("queue stats unavailable")
		return
	}
	telemetry.QueueDepthGauge.Set(float64(stats.Pending))
}
