package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fallback-oracle/internal/alerting"
	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/scheduler"
	"fallback-oracle/internal/storage"
)

// Evaluator is the part of the engine the monitor drives.
type Evaluator interface {
	Evaluate(ctx context.Context, id registry.QueryID, th arbiter.Thresholds) (arbiter.Decision, error)
	Feeds() []registry.Entry
}

// Options configure a Service.
type Options struct {
	Thresholds    arbiter.Thresholds
	PriceDecimals uint8
	AlertsOn      bool
	Channels      []string
	Cooldown      time.Duration
	LockKey       int64
}

// Report summarises one round.
type Report struct {
	Round     time.Time
	Evaluated int
	FellBack  int
	Failed    int
	Alerted   int
}

// Service evaluates every feed per round, persists the decisions and alerts
// when a feed falls back to the push oracle.
type Service struct {
	scheduler  *scheduler.Scheduler
	engine     Evaluator
	store      storage.DecisionStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	locker     storage.AdvisoryLocker
	opts       Options
	logger     zerolog.Logger

	now func() time.Time

	alertMu   sync.Mutex
	lastAlert map[registry.QueryID]time.Time
}

// New constructs the monitoring service. store, alertStore and notifier are optional.
func New(sched *scheduler.Scheduler, engine Evaluator, store storage.DecisionStore, alertStore storage.AlertStore, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:  sched,
		engine:     engine,
		store:      store,
		alertStore: alertStore,
		notifier:   notifier,
		locker:     locker,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
		now:        time.Now,
		lastAlert:  make(map[registry.QueryID]time.Time),
	}
}

// Run begins the round loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, round time.Time) error {
		_, err := s.ProcessRound(ctx, round)
		return err
	})
}

// ProcessRound evaluates all feeds once. Per-feed failures are joined into
// the returned error; the remaining feeds are still evaluated.
func (s *Service) ProcessRound(ctx context.Context, round time.Time) (Report, error) {
	report := Report{Round: round}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		s.logger.Debug().Time("round", round).Msg("skip round because advisory lock held elsewhere")
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	var errs []error
	for _, feed := range s.engine.Feeds() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		alerted, fellBack, err := s.processFeed(ctx, feed.ID)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("feed %s: %w", feed.ID, err))
			continue
		}
		report.Evaluated++
		if fellBack {
			report.FellBack++
		}
		if alerted {
			report.Alerted++
		}
	}

	s.logger.Info().
		Time("round", round).
		Int("evaluated", report.Evaluated).
		Int("fell_back", report.FellBack).
		Int("failed", report.Failed).
		Int("alerted", report.Alerted).
		Msg("round evaluated")
	return report, errors.Join(errs...)
}

func (s *Service) processFeed(ctx context.Context, id registry.QueryID) (alerted, fellBack bool, err error) {
	decision, err := s.engine.Evaluate(ctx, id, s.opts.Thresholds)
	if err != nil {
		return false, false, err
	}

	rec := storage.FromDecision(decision)
	if s.store != nil {
		if err := s.store.InsertDecision(ctx, rec); err != nil {
			s.logger.Error().Err(err).Stringer("query_id", id).Msg("failed to persist decision")
		}
	}

	s.logger.Info().
		Stringer("query_id", id).
		Stringer("source", decision.Result.Source).
		Str("value", decision.Result.Value.String()).
		Str("deviation_pct", decision.DeviationPct().StringFixed(3)).
		Msg("decision recorded")

	if decision.Result.Source != arbiter.SourcePush {
		return false, false, nil
	}
	return s.alert(ctx, decision, rec), true, nil
}

func (s *Service) alert(ctx context.Context, decision arbiter.Decision, rec storage.DecisionRecord) bool {
	if !s.opts.AlertsOn || s.notifier == nil {
		return false
	}
	if s.coolingDown(ctx, decision.QueryID) {
		s.logger.Debug().Stringer("query_id", decision.QueryID).Msg("alert suppressed by cooldown")
		return false
	}

	note := alerting.FromDecision(decision, s.opts.PriceDecimals)
	note.Channels = s.opts.Channels

	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Stringer("query_id", decision.QueryID).Msg("failed to dispatch alert")
		return false
	}

	s.alertMu.Lock()
	s.lastAlert[decision.QueryID] = s.now()
	s.alertMu.Unlock()

	// Only delivered alerts are recorded; the row restarts the cooldown.
	if s.alertStore != nil {
		record := storage.AlertRecord{
			DecisionID: rec.ID,
			QueryID:    rec.QueryID,
			Gate:       string(decision.Gates.FirstFailure()),
			Channels:   s.opts.Channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Stringer("query_id", decision.QueryID).Msg("failed to persist alert record")
		}
	}
	return true
}

func (s *Service) coolingDown(ctx context.Context, id registry.QueryID) bool {
	if s.opts.Cooldown <= 0 {
		return false
	}
	now := s.now()

	s.alertMu.Lock()
	last, ok := s.lastAlert[id]
	s.alertMu.Unlock()
	if ok && now.Sub(last) < s.opts.Cooldown {
		return true
	}

	if s.alertStore == nil {
		return false
	}
	at, found, err := s.alertStore.LastAlertAt(ctx, uint64(id))
	if err != nil {
		s.logger.Warn().Err(err).Stringer("query_id", id).Msg("failed to read last alert")
		return false
	}
	return found && now.Sub(at) < s.opts.Cooldown
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
