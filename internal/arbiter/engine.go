package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/twap"
)

// ErrNoReferenceData means the push oracle has never reported for the
// identifier, so the AMM price cannot be cross-checked.
var ErrNoReferenceData = errors.New("arbiter: no push oracle reference data")

// DefaultWindow averages over the last thirty minutes.
var DefaultWindow = twap.Window{SecondsAgoStart: 1800, SecondsAgoEnd: 0}

var hundred = big.NewInt(100)

// PushReader reads the push oracle. ok is false when nothing was ever reported.
type PushReader interface {
	Latest(ctx context.Context, id registry.QueryID) (value PushValue, ok bool, err error)
}

// TwapSampler reads the AMM pool.
type TwapSampler interface {
	Sample(ctx context.Context, pool common.Address, window twap.Window) (twap.Sample, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithWindow sets the window used when a query does not carry one.
func WithWindow(w twap.Window) Option {
	return func(e *Engine) { e.window = w }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "arbiter").Logger() }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine arbitrates between the AMM TWAP and the push oracle. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	registry *registry.Registry
	push     PushReader
	amm      TwapSampler
	window   twap.Window
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *Metrics
}

// New wires an engine.
func New(reg *registry.Registry, push PushReader, amm TwapSampler, opts ...Option) (*Engine, error) {
	if reg == nil || push == nil || amm == nil {
		return nil, errors.New("arbiter: registry and both readers are required")
	}
	e := &Engine{
		registry: reg,
		push:     push,
		amm:      amm,
		window:   DefaultWindow,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.window.Validate(); err != nil {
		return nil, fmt.Errorf("default window: %w", err)
	}
	return e, nil
}

// Decide returns the arbitrated price for id.
func (e *Engine) Decide(ctx context.Context, id registry.QueryID, th Thresholds) (Result, error) {
	d, err := e.Evaluate(ctx, id, th)
	if err != nil {
		return Result{}, err
	}
	return d.Result, nil
}

// Evaluate runs the three gates and returns the full decision.
func (e *Engine) Evaluate(ctx context.Context, id registry.QueryID, th Thresholds) (Decision, error) {
	started := time.Now()
	d, err := e.evaluate(ctx, id, th)
	e.metrics.observe(d, err, time.Since(started))
	return d, err
}

func (e *Engine) evaluate(ctx context.Context, id registry.QueryID, th Thresholds) (Decision, error) {
	pool, err := e.registry.Resolve(id)
	if err != nil {
		return Decision{}, err
	}

	push, ok, err := e.push.Latest(ctx, id)
	if err != nil {
		return Decision{}, fmt.Errorf("read push value %s: %w", id, err)
	}
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrNoReferenceData, id)
	}
	if push.Value == nil {
		return Decision{}, fmt.Errorf("%w: %s reported without a value", ErrNoReferenceData, id)
	}

	window := th.Window
	if window.IsZero() {
		window = e.window
	}

	sample, err := e.amm.Sample(ctx, pool, window)
	if err != nil {
		return Decision{}, fmt.Errorf("sample twap %s: %w", id, err)
	}

	now := e.now()
	age := ageSeconds(now, push.Timestamp)
	gates := GateReport{
		Liquidity: liquidityOK(sample.CurrentLiquidity, th.MinLiquidity),
		Freshness: age <= int64(th.MaxAge/time.Second),
		Deviation: deviationOK(sample.AveragePrice, push.Value, th.MaxPercentDeviation),
	}

	d := Decision{
		QueryID:    id,
		Pool:       pool,
		Push:       push,
		Twap:       sample,
		Gates:      gates,
		Thresholds: th,
		AgeSeconds: age,
		DecidedAt:  now,
	}

	if gates.Passed() {
		d.Result = Result{Value: new(big.Int).Set(sample.AveragePrice), Timestamp: uint64(now.Unix()), Source: SourceAMM}
		return d, nil
	}

	d.Result = Result{Value: new(big.Int).Set(push.Value), Timestamp: push.Timestamp, Source: SourcePush}
	e.logger.Debug().
		Str("query_id", id.String()).
		Str("gate", string(gates.FirstFailure())).
		Int64("age_s", age).
		Str("deviation_pct", d.DeviationPct().StringFixed(3)).
		Msg("falling back to push oracle")
	return d, nil
}

// PoolReference exposes the registry binding for id.
func (e *Engine) PoolReference(id registry.QueryID) (common.Address, error) {
	return e.registry.Resolve(id)
}

// Feeds lists every registered binding.
func (e *Engine) Feeds() []registry.Entry {
	return e.registry.Entries()
}

// Window returns the engine's default observation window.
func (e *Engine) Window() twap.Window {
	return e.window
}

func liquidityOK(current, min *big.Int) bool {
	if min == nil {
		return current != nil && current.Sign() >= 0
	}
	return current != nil && current.Cmp(min) >= 0
}

func ageSeconds(now time.Time, reported uint64) int64 {
	if reported > math.MaxInt64 {
		return math.MinInt64
	}
	return now.Unix() - int64(reported)
}

// deviationOK checks |amm-push|*100 <= maxPct*push without division.
func deviationOK(amm, push *big.Int, maxPct uint64) bool {
	if amm == nil || push == nil {
		return false
	}
	lhs := new(big.Int).Sub(amm, push)
	lhs.Abs(lhs)
	lhs.Mul(lhs, hundred)

	rhs := new(big.Int).SetUint64(maxPct)
	rhs.Mul(rhs, push)
	return lhs.Cmp(rhs) <= 0
}
