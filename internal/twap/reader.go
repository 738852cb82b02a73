package twap

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	// ErrInsufficientObservationHistory means the pool holds no observation
	// old enough to cover the requested window.
	ErrInsufficientObservationHistory = errors.New("twap: insufficient observation history")
	// ErrInvalidWindow means the window start is not strictly older than its end.
	ErrInvalidWindow = errors.New("twap: window start must be older than window end")
)

// Window delimits the averaging interval as two "seconds ago" offsets.
type Window struct {
	SecondsAgoStart uint32 `json:"seconds_ago_start" mapstructure:"seconds_ago_start"`
	SecondsAgoEnd   uint32 `json:"seconds_ago_end" mapstructure:"seconds_ago_end"`
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool {
	return w.SecondsAgoStart == 0 && w.SecondsAgoEnd == 0
}

// Seconds returns the window length.
func (w Window) Seconds() uint32 {
	return w.SecondsAgoStart - w.SecondsAgoEnd
}

// Validate checks the window ordering.
func (w Window) Validate() error {
	if w.SecondsAgoStart <= w.SecondsAgoEnd {
		return fmt.Errorf("%w: start=%d end=%d", ErrInvalidWindow, w.SecondsAgoStart, w.SecondsAgoEnd)
	}
	return nil
}

// PoolTokens describes the pool's token pair.
type PoolTokens struct {
	Token0    common.Address
	Token1    common.Address
	Decimals0 uint8
	Decimals1 uint8
}

// PoolSource is the AMM pool facade. Observe must return
// ErrInsufficientObservationHistory when the pool cannot answer for the
// oldest requested offset.
type PoolSource interface {
	Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) (tickCumulatives, secondsPerLiquidityX128 []*big.Int, err error)
	Liquidity(ctx context.Context, pool common.Address) (*big.Int, error)
	Tokens(ctx context.Context, pool common.Address) (PoolTokens, error)
}

// Sample is a TWAP reading over one window.
type Sample struct {
	// AveragePrice is one whole token0 quoted in token1, scaled to the
	// reader's price decimals.
	AveragePrice          *big.Int
	AverageTick           int64
	CurrentLiquidity      *big.Int
	HarmonicMeanLiquidity *big.Int
	Window                Window
}

// Options parameterise the reader.
type Options struct {
	PriceDecimals uint8
}

// Reader computes TWAP samples from a PoolSource.
type Reader struct {
	source PoolSource
	opts   Options
	logger zerolog.Logger
}

// NewReader constructs a TWAP reader.
func NewReader(source PoolSource, opts Options, logger zerolog.Logger) *Reader {
	return &Reader{
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "twap_reader").Logger(),
	}
}

// Sample computes the TWAP of pool over window and reads its current liquidity.
func (r *Reader) Sample(ctx context.Context, pool common.Address, window Window) (Sample, error) {
	if err := window.Validate(); err != nil {
		return Sample{}, err
	}

	tickCumulatives, secondsPerLiquidity, err := r.source.Observe(ctx, pool, []uint32{window.SecondsAgoStart, window.SecondsAgoEnd})
	if err != nil {
		return Sample{}, fmt.Errorf("observe %s: %w", pool.Hex(), err)
	}
	if len(tickCumulatives) != 2 || len(secondsPerLiquidity) != 2 {
		return Sample{}, fmt.Errorf("observe %s: expected 2 observations, got %d", pool.Hex(), len(tickCumulatives))
	}

	avgTick, err := ArithmeticMeanTick(tickCumulatives[0], tickCumulatives[1], window.Seconds())
	if err != nil {
		return Sample{}, err
	}

	tokens, err := r.source.Tokens(ctx, pool)
	if err != nil {
		return Sample{}, fmt.Errorf("pool tokens %s: %w", pool.Hex(), err)
	}

	quote, err := QuoteAtTick(avgTick, pow10(tokens.Decimals0), true)
	if err != nil {
		return Sample{}, err
	}
	price := rescale(quote, tokens.Decimals1, r.opts.PriceDecimals)

	liquidity, err := r.source.Liquidity(ctx, pool)
	if err != nil {
		return Sample{}, fmt.Errorf("pool liquidity %s: %w", pool.Hex(), err)
	}

	sample := Sample{
		AveragePrice:          price,
		AverageTick:           avgTick,
		CurrentLiquidity:      liquidity,
		HarmonicMeanLiquidity: HarmonicMeanLiquidity(secondsPerLiquidity[0], secondsPerLiquidity[1], window.Seconds()),
		Window:                window,
	}

	r.logger.Debug().
		Str("pool", pool.Hex()).
		Int64("avg_tick", avgTick).
		Str("price", price.String()).
		Str("liquidity", liquidity.String()).
		Msg("twap sampled")

	return sample, nil
}

// ArithmeticMeanTick returns (end-start)/seconds rounded toward negative
// infinity.
func ArithmeticMeanTick(start, end *big.Int, seconds uint32) (int64, error) {
	if seconds == 0 {
		return 0, ErrInvalidWindow
	}
	delta := new(big.Int).Sub(end, start)
	// big.Int.Div is Euclidean; with a positive divisor that is floor division.
	mean := new(big.Int).Div(delta, big.NewInt(int64(seconds)))
	if !mean.IsInt64() || mean.Int64() < MinTick || mean.Int64() > MaxTick {
		return 0, fmt.Errorf("%w: mean tick %s", ErrTickOutOfRange, mean.String())
	}
	return mean.Int64(), nil
}

// HarmonicMeanLiquidity derives the window's harmonic mean liquidity from two
// seconds-per-liquidity cumulatives. A zero delta yields zero.
func HarmonicMeanLiquidity(start, end *big.Int, seconds uint32) *big.Int {
	delta := new(big.Int).Sub(end, start)
	if delta.Sign() < 0 {
		// uint160 accumulator wrapped around
		delta.Add(delta, maxUint160)
		delta.Add(delta, big.NewInt(1))
	}
	if delta.Sign() == 0 {
		return new(big.Int)
	}

	secondsX160 := new(big.Int).Mul(big.NewInt(int64(seconds)), maxUint160)
	out := new(big.Int).Lsh(delta, 32)
	out.Quo(secondsX160, out)
	if out.Cmp(maxUint128) > 0 {
		out.And(out, maxUint128)
	}
	return out
}
