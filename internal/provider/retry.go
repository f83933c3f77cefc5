package provider

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/telemetry"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// Retry runs fn until it succeeds, fails permanently, or MaxRetries
// transient failures have been retried. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, name string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrTransient) || attempt >= p.MaxRetries {
			return err
		}
		wait := BackoffWithJitter(p.Initial, p.Max, attempt+1)
		telemetry.ProviderRetries.WithLabelValues(name).Inc()
		logging.Ctx(ctx).Debug().Err(err).Str("provider", name).Int("attempt", attempt+1).
			Dur("wait", wait).Msg("retrying transient provider error")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// BackoffWithJitter doubles base per attempt up to max and picks a wait in [wait/2, wait).
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int64N(int64(wait/2)))
}
