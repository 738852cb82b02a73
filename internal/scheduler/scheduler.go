package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RoundFunc is invoked once per evaluation round.
type RoundFunc func(ctx context.Context, round time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// MaxRounds stops Run after that many rounds when positive.
	MaxRounds int
}

// Scheduler drives evaluation rounds on a fixed cadence.
type Scheduler struct {
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Run blocks, invoking fn each round until ctx is cancelled or MaxRounds is
// reached. A failing round is logged and does not stop the loop.
func (s *Scheduler) Run(ctx context.Context, fn RoundFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.NextRound(s.now())
	for rounds := 0; s.opts.MaxRounds <= 0 || rounds < s.opts.MaxRounds; rounds++ {
		if now := s.now(); next.Before(now) {
			next = s.NextRound(now)
		}

		s.logger.Debug().Time("next_round", next).Msg("waiting for next round")
		if err := sleep(ctx, next.Sub(s.now())); err != nil {
			return err
		}

		round := s.roundStart(next)
		started := time.Now()
		if err := fn(ctx, round); err != nil {
			s.logger.Error().Err(err).Time("round", round).Msg("round failed")
		} else {
			s.logger.Info().
				Time("round", round).
				Dur("elapsed", time.Since(started)).
				Msg("round complete")
		}

		next = next.Add(s.opts.Interval)
	}
	return nil
}

// NextRound returns the first round boundary strictly after now.
func (s *Scheduler) NextRound(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	round := now.Truncate(s.opts.Interval)
	if !round.After(now) {
		round = round.Add(s.opts.Interval)
	}
	return round
}

func (s *Scheduler) roundStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
