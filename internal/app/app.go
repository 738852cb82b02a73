package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"fallback-oracle/internal/alerting"
	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/config"
	"fallback-oracle/internal/fetcher"
	"fallback-oracle/internal/scheduler"
	"fallback-oracle/internal/service"
	"fallback-oracle/internal/storage"
	"fallback-oracle/internal/twap"
)

const metricsNamespace = "fallback_oracle"

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	metricsReg *prometheus.Registry
	metrics    *arbiter.Metrics
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	reg := prometheus.NewRegistry()
	return &App{
		Config:     cfg,
		Logger:     logger.With().Str("component", "app").Logger(),
		Out:        os.Stdout,
		metricsReg: reg,
		metrics:    arbiter.NewMetrics(reg, metricsNamespace),
	}
}

// newEngine wires the engine against the live chain. The returned closer
// releases the RPC connection.
func (a *App) newEngine() (*arbiter.Engine, func(), error) {
	reg, err := a.Config.Registry()
	if err != nil {
		return nil, nil, err
	}

	chain := fetcher.NewChain(fetcher.ChainOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
	push := fetcher.NewTellor(chain, a.Config.Oracle.TellorAddress, a.Logger)
	pools := fetcher.NewUniswapV3(chain, a.Logger)
	sampler := twap.NewReader(pools, twap.Options{PriceDecimals: a.Config.Oracle.PriceDecimals}, a.Logger)

	engine, err := arbiter.New(reg, push, sampler,
		arbiter.WithWindow(a.Config.Oracle.Window),
		arbiter.WithLogger(a.Logger),
		arbiter.WithMetrics(a.metrics),
	)
	if err != nil {
		chain.Close()
		return nil, nil, err
	}
	return engine, chain.Close, nil
}

func (a *App) newNotifier() alerting.Notifier {
	var channels alerting.Fanout
	for _, ch := range a.Config.Alerting.Channels {
		switch ch {
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alert channel ignored")
		}
	}
	if len(channels) == 0 {
		return nil
	}
	if len(channels) == 1 {
		return channels[0]
	}
	return channels
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

// serviceOptions maps config onto the monitor service.
func (a *App) serviceOptions() (service.Options, error) {
	th, err := a.Config.DefaultThresholds()
	if err != nil {
		return service.Options{}, err
	}
	return service.Options{
		Thresholds:    th,
		PriceDecimals: a.Config.Oracle.PriceDecimals,
		AlertsOn:      a.Config.Alerting.Enabled,
		Channels:      a.Config.Alerting.Channels,
		Cooldown:      a.Config.Alerting.Cooldown,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
	}, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	engine, closeEngine, err := a.newEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	opts, err := a.serviceOptions()
	if err != nil {
		return err
	}

	var decisionStore storage.DecisionStore
	var alertStore storage.AlertStore
	if store != nil {
		decisionStore = store
		alertStore = store
	}

	svc := service.New(sched, engine, decisionStore, alertStore, a.newNotifier(), opts, a.Logger)

	a.Logger.Info().Int("feeds", len(engine.Feeds())).Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting recorded decisions.
type ExportOptions struct {
	QueryID   uint64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	QueryID uint64
	Limit   int
}

// ThresholdOverrides replace individual configured thresholds. Nil fields
// keep the configured value.
type ThresholdOverrides struct {
	MinLiquidity    *string
	MaxAge          *time.Duration
	MaxDeviationPct *uint64
	Window          *twap.Window
}

// thresholds merges overrides onto the configured defaults.
func (a *App) thresholds(o ThresholdOverrides) (arbiter.Thresholds, error) {
	cfg := a.Config.Thresholds
	if o.MinLiquidity != nil {
		cfg.MinLiquidity = *o.MinLiquidity
	}
	if o.MaxAge != nil {
		cfg.MaxAge = *o.MaxAge
	}
	if o.MaxDeviationPct != nil {
		cfg.MaxDeviationPct = *o.MaxDeviationPct
	}

	minLiquidity, err := cfg.MinLiquidityInt()
	if err != nil {
		return arbiter.Thresholds{}, err
	}
	th := arbiter.Thresholds{
		MinLiquidity:        minLiquidity,
		MaxAge:              cfg.MaxAge,
		MaxPercentDeviation: cfg.MaxDeviationPct,
	}
	if o.Window != nil {
		if err := o.Window.Validate(); err != nil {
			return arbiter.Thresholds{}, err
		}
		th.Window = *o.Window
	}
	return th, nil
}
