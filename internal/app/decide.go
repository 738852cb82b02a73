package app

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/httpapi"
	"fallback-oracle/internal/registry"
)

// Feeds prints the configured feed to pool bindings.
func (a *App) Feeds() error {
	reg, err := a.Config.Registry()
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Query ID\tPool")
	for _, e := range reg.Entries() {
		fmt.Fprintf(writer, "%s\t%s\n", e.ID, e.Pool.Hex())
	}
	return writer.Flush()
}

// Pool prints the reference pool of one feed.
func (a *App) Pool(id uint64) error {
	reg, err := a.Config.Registry()
	if err != nil {
		return err
	}
	pool, err := reg.Resolve(registry.QueryID(id))
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, pool.Hex())
	return nil
}

// Decide arbitrates one feed against the live chain and prints the decision.
func (a *App) Decide(ctx context.Context, id uint64, overrides ThresholdOverrides) error {
	th, err := a.thresholds(overrides)
	if err != nil {
		return err
	}

	engine, closeEngine, err := a.newEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	decision, err := engine.Evaluate(ctx, registry.QueryID(id), th)
	if err != nil {
		return err
	}
	return a.printDecision(decision)
}

// Serve exposes the engine over HTTP until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	defaults, err := a.Config.DefaultThresholds()
	if err != nil {
		return err
	}

	engine, closeEngine, err := a.newEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	srv := httpapi.NewServer(engine, httpapi.Options{
		Defaults:      defaults,
		PriceDecimals: a.Config.Oracle.PriceDecimals,
		CORSOrigins:   a.Config.HTTP.CORSOrigins,
		Gatherer:      a.metricsReg,
	}, a.Logger)

	cfg := a.Config.HTTP
	a.Logger.Info().Str("addr", cfg.Addr).Int("feeds", len(engine.Feeds())).Msg("starting http api")
	return srv.ListenAndServe(ctx, cfg.Addr, cfg.ReadTimeout, cfg.WriteTimeout, cfg.ShutdownTimeout)
}

func (a *App) printDecision(d arbiter.Decision) error {
	exp := -int32(a.Config.Oracle.PriceDecimals)
	scaled := func(v decimal.Decimal) string {
		return v.Shift(exp).String()
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Query ID\t%s\n", d.QueryID)
	fmt.Fprintf(writer, "Pool\t%s\n", d.Pool.Hex())
	fmt.Fprintf(writer, "Source\t%s (%d)\n", d.Result.Source, d.Result.Source)
	fmt.Fprintf(writer, "Value\t%s (%s)\n", d.Result.Value, scaled(bigToDecimal(d.Result.Value)))
	fmt.Fprintf(writer, "Timestamp\t%d (%s)\n", d.Result.Timestamp, time.Unix(int64(d.Result.Timestamp), 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Push\t%s (age %ds)\n", scaled(bigToDecimal(d.Push.Value)), d.AgeSeconds)
	fmt.Fprintf(writer, "TWAP\t%s (tick %d, window %d-%d)\n", scaled(bigToDecimal(d.Twap.AveragePrice)), d.Twap.AverageTick, d.Twap.Window.SecondsAgoStart, d.Twap.Window.SecondsAgoEnd)
	fmt.Fprintf(writer, "Liquidity\t%s (min %s)\n", bigToDecimal(d.Twap.CurrentLiquidity), bigToDecimal(d.Thresholds.MinLiquidity))
	fmt.Fprintf(writer, "Deviation\t%s%% (max %d%%)\n", d.DeviationPct().StringFixed(3), d.Thresholds.MaxPercentDeviation)
	fmt.Fprintf(writer, "Gates\t%s\n", gateSummary(d.Gates))
	return writer.Flush()
}

func gateSummary(g arbiter.GateReport) string {
	if g.Passed() {
		return "all passed"
	}
	failures := g.Failures()
	names := make([]string, len(failures))
	for i, f := range failures {
		names[i] = string(f)
	}
	return "failed: " + strings.Join(names, ",")
}
