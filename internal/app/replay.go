package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/service"
	"fallback-oracle/internal/snapshot"
	"fallback-oracle/internal/storage"
	"fallback-oracle/internal/twap"
)

// ReplayOptions configure a replay over the offline snapshot.
type ReplayOptions struct {
	// From and To bound the replayed rounds, both inclusive. To defaults to
	// the snapshot's as_of; a zero From replays the single round at To.
	From     time.Time
	To       time.Time
	Interval time.Duration
	// Persist writes each decision to the database.
	Persist bool
}

// ReplaySummary counts replayed rounds.
type ReplaySummary struct {
	Rounds    int
	Evaluated int
	FellBack  int
	Failed    int
}

// ImportSnapshot loads a JSON snapshot document into the sqlite snapshot.
func (a *App) ImportSnapshot(ctx context.Context, path string) (snapshot.ImportStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return snapshot.ImportStats{}, err
	}
	defer file.Close()

	snap, err := snapshot.Open(ctx, a.Config.Snapshot.Path, a.Logger)
	if err != nil {
		return snapshot.ImportStats{}, err
	}
	defer snap.Close()

	stats, err := snap.Import(ctx, file)
	if err != nil {
		return snapshot.ImportStats{}, err
	}
	fmt.Fprintf(a.Out, "imported %d push values, %d pools, %d observations into %s\n",
		stats.PushValues, stats.Pools, stats.Observations, a.Config.Snapshot.Path)
	return stats, nil
}

// Replay evaluates every feed against the snapshot once per round between
// From and To, with the engine clock pinned to each round.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (ReplaySummary, error) {
	var summary ReplaySummary

	snap, err := snapshot.Open(ctx, a.Config.Snapshot.Path, a.Logger)
	if err != nil {
		return summary, err
	}
	defer snap.Close()

	start, end, interval, err := a.replayRange(ctx, snap, opts)
	if err != nil {
		return summary, err
	}

	reg, err := a.Config.Registry()
	if err != nil {
		return summary, err
	}
	th, err := a.Config.DefaultThresholds()
	if err != nil {
		return summary, err
	}

	var decisionStore storage.DecisionStore
	if opts.Persist {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return summary, err
		}
		if store == nil {
			return summary, errors.New("database.dsn not configured; cannot persist replay")
		}
		defer closeStore()
		decisionStore = store
	} else {
		a.Logger.Info().Msg("replay dry-run: decisions are not persisted")
	}

	for round := start; !round.After(end); round = round.Add(interval) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		view := snap.At(round)
		pinned := round
		sampler := twap.NewReader(view, twap.Options{PriceDecimals: a.Config.Oracle.PriceDecimals}, a.Logger)
		engine, err := arbiter.New(reg, view, sampler,
			arbiter.WithWindow(a.Config.Oracle.Window),
			arbiter.WithClock(func() time.Time { return pinned }),
			arbiter.WithLogger(a.Logger),
		)
		if err != nil {
			return summary, err
		}

		svc := service.New(nil, engine, decisionStore, nil, nil, service.Options{Thresholds: th}, a.Logger)
		report, err := svc.ProcessRound(ctx, round)
		if err != nil {
			a.Logger.Warn().Err(err).Time("round", round).Msg("replay round had failures")
		}
		summary.Rounds++
		summary.Evaluated += report.Evaluated
		summary.FellBack += report.FellBack
		summary.Failed += report.Failed
	}

	a.Logger.Info().
		Int("rounds", summary.Rounds).
		Int("evaluated", summary.Evaluated).
		Int("fell_back", summary.FellBack).
		Int("failed", summary.Failed).
		Msg("replay finished")
	fmt.Fprintf(a.Out, "rounds=%d evaluated=%d fell_back=%d failed=%d\n",
		summary.Rounds, summary.Evaluated, summary.FellBack, summary.Failed)
	return summary, nil
}

func (a *App) replayRange(ctx context.Context, snap *snapshot.Store, opts ReplayOptions) (time.Time, time.Time, time.Duration, error) {
	asOf, err := snap.AsOf(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = a.Config.Scheduler.Interval
	}
	if interval <= 0 {
		return time.Time{}, time.Time{}, 0, errors.New("replay interval must be positive")
	}

	end := opts.To.UTC()
	if opts.To.IsZero() {
		end = asOf
	}
	if end.After(asOf) {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("replay end %s is after the snapshot as_of %s", end.Format(time.RFC3339), asOf.Format(time.RFC3339))
	}
	if opts.From.IsZero() {
		return end, end, interval, nil
	}

	start := alignForward(opts.From.UTC(), interval)
	if start.After(end) {
		return time.Time{}, time.Time{}, 0, errors.New("replay range is empty; check --from/--to")
	}
	return start, end, interval, nil
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
