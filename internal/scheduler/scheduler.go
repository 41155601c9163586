// Package scheduler drives the daily batch loop on interval-aligned ticks.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc runs one batch cycle. It receives the start of the interval
// bucket the tick fired in, which the caller maps to a target date.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Interval between ticks. With AlignToStart the ticks land on
	// multiples of the interval (midnight UTC for a 24h interval).
	Interval     time.Duration
	AlignToStart bool
	// StartupDelay holds the first tick back, giving upstream fact
	// ingestion time to settle after a restart.
	StartupDelay time.Duration
}

// Scheduler invokes a TickFunc at each aligned interval until cancelled.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks until ctx is cancelled. A failed tick is logged and the loop
// continues; the next interval retries with a fresh bucket.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	failures := 0
	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			// Woke up past the slot (suspend, clock step); realign.
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}

		bucket := s.bucketStart(next)
		s.logger.Info().Time("bucket", bucket).Msg("batch cycle starting")

		if err := tick(ctx, bucket); err != nil {
			failures++
			s.logger.Error().Err(err).Time("bucket", bucket).Int("consecutive_failures", failures).Msg("batch cycle failed")
		} else {
			failures = 0
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
