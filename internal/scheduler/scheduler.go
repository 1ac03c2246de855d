package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Job is one named unit of periodic maintenance.
type Job struct {
	Name string
	Run  func(ctx context.Context, at time.Time) error
}

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler runs its jobs, in order, on every interval.
type Scheduler struct {
	opts   Options
	jobs   []Job
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger, jobs ...Job) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, jobs: jobs, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, executing the jobs at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.Tick(ctx, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

// Tick runs every job once. A failing job does not stop the others.
func (s *Scheduler) Tick(ctx context.Context, at time.Time) {
	for _, job := range s.jobs {
		if err := job.Run(ctx, at); err != nil {
			s.logger.Error().Err(err).Str("job", job.Name).Time("at", at).Msg("housekeeping job failed")
			continue
		}
		s.logger.Debug().Str("job", job.Name).Time("at", at).Msg("housekeeping job finished")
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
