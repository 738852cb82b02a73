package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/service"
	"fallback-oracle/internal/twap"
)

// SimulateOptions describe the readings fed to the engine. Prices are raw
// integers at the configured price decimals.
type SimulateOptions struct {
	QueryID   uint64
	PushValue string
	PushAge   time.Duration
	TwapValue string
	Liquidity string
	Overrides ThresholdOverrides
	// Alert sends a notification through the configured channels when the
	// simulated decision falls back to the push oracle.
	Alert bool
}

// Simulate runs the engine over static readings and prints the decision.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (arbiter.Decision, error) {
	pushValue, err := parsePositive("push value", opts.PushValue)
	if err != nil {
		return arbiter.Decision{}, err
	}
	twapValue, err := parsePositive("twap value", opts.TwapValue)
	if err != nil {
		return arbiter.Decision{}, err
	}
	liquidity, ok := new(big.Int).SetString(opts.Liquidity, 10)
	if !ok || liquidity.Sign() < 0 {
		return arbiter.Decision{}, fmt.Errorf("liquidity %q must be a non-negative integer", opts.Liquidity)
	}
	if opts.PushAge < 0 {
		return arbiter.Decision{}, errors.New("push age must not be negative")
	}

	th, err := a.thresholds(opts.Overrides)
	if err != nil {
		return arbiter.Decision{}, err
	}

	id := registry.QueryID(opts.QueryID)
	pool := a.simulatedPool(id)
	reg, err := registry.New([]registry.QueryID{id}, []common.Address{pool})
	if err != nil {
		return arbiter.Decision{}, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	push := staticPush{value: arbiter.PushValue{Value: pushValue, Timestamp: uint64(now.Add(-opts.PushAge).Unix())}}
	sampler := staticSampler{sample: twap.Sample{AveragePrice: twapValue, CurrentLiquidity: liquidity}}

	engine, err := arbiter.New(reg, push, sampler,
		arbiter.WithWindow(a.Config.Oracle.Window),
		arbiter.WithClock(func() time.Time { return now }),
		arbiter.WithLogger(a.Logger),
	)
	if err != nil {
		return arbiter.Decision{}, err
	}

	decision, err := engine.Evaluate(ctx, id, th)
	if err != nil {
		return arbiter.Decision{}, err
	}
	if err := a.printDecision(decision); err != nil {
		return decision, err
	}

	if !opts.Alert {
		return decision, nil
	}
	return decision, a.simulateAlert(ctx, engine, th)
}

func (a *App) simulateAlert(ctx context.Context, engine *arbiter.Engine, th arbiter.Thresholds) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	svc := service.New(nil, engine, nil, nil, notifier, service.Options{
		Thresholds:    th,
		PriceDecimals: a.Config.Oracle.PriceDecimals,
		AlertsOn:      true,
		Channels:      a.Config.Alerting.Channels,
	}, a.Logger)

	report, err := svc.ProcessRound(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if report.FellBack > 0 && report.Alerted == 0 {
		return errors.New("alert was not delivered; see log")
	}
	return nil
}

// simulatedPool reuses the configured pool of id when there is one.
func (a *App) simulatedPool(id registry.QueryID) common.Address {
	reg, err := a.Config.Registry()
	if err != nil {
		return common.Address{}
	}
	pool, err := reg.Resolve(id)
	if err != nil {
		return common.Address{}
	}
	return pool
}

func parsePositive(name, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%s %q must be a positive integer", name, raw)
	}
	return v, nil
}

type staticPush struct {
	value arbiter.PushValue
}

func (s staticPush) Latest(context.Context, registry.QueryID) (arbiter.PushValue, bool, error) {
	return s.value, true, nil
}

type staticSampler struct {
	sample twap.Sample
}

func (s staticSampler) Sample(_ context.Context, _ common.Address, window twap.Window) (twap.Sample, error) {
	out := s.sample
	out.Window = window
	return out, nil
}

var (
	_ arbiter.PushReader  = staticPush{}
	_ arbiter.TwapSampler = staticSampler{}
)
