package twap

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// MinTick is the lowest tick a Uniswap V3 pool can reach.
	MinTick int64 = -887272
	// MaxTick is the highest tick a Uniswap V3 pool can reach.
	MaxTick int64 = 887272
)

// ErrTickOutOfRange is returned for ticks outside [MinTick, MaxTick].
var ErrTickOutOfRange = errors.New("twap: tick out of range")

var (
	q32        = new(big.Int).Lsh(big.NewInt(1), 32)
	q64        = new(big.Int).Lsh(big.NewInt(1), 64)
	q128       = new(big.Int).Lsh(big.NewInt(1), 128)
	q192       = new(big.Int).Lsh(big.NewInt(1), 192)
	maxUint128 = new(big.Int).Sub(q128, big.NewInt(1))
	maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// sqrt(1.0001^-1) in Q128.128, used when bit 0 of |tick| is set.
	tickRatioBit0 = mustHex("fffcb933bd6fad37aa2d162d1a594001")

	// tickRatios[i] is sqrt(1.0001^-(2<<i)) in Q128.128.
	tickRatios = []*big.Int{
		mustHex("fff97272373d413259a46990580e213a"),
		mustHex("fff2e50f5f656932ef12357cf3c7fdcc"),
		mustHex("ffe5caca7e10e4e61c3624eaa0941cd0"),
		mustHex("ffcb9843d60f6159c9db58835c926644"),
		mustHex("ff973b41fa98c081472e6896dfb254c0"),
		mustHex("ff2ea16466c96a3843ec78b326b52861"),
		mustHex("fe5dee046a99a2a811c461f1969c3053"),
		mustHex("fcbe86c7900a88aedcffc83b479aa3a4"),
		mustHex("f987a7253ac413176f2b074cf7815e54"),
		mustHex("f3392b0822b70005940c7a398e4b70f3"),
		mustHex("e7159475a2c29b7443b29c7fa6e889d9"),
		mustHex("d097f3bdfd2022b8845ad8f792aa5825"),
		mustHex("a9f746462d870fdf8a65dc1f90e061e5"),
		mustHex("70d869a156d2a1b890bb3df62baf32f7"),
		mustHex("31be135f97d08fd981231505542fcfa6"),
		mustHex("9aa508b5b7a84e1c677de54f3e99bc9"),
		mustHex("5d6af8dedb81196699c329225ee604"),
		mustHex("2216e584f5fa1ea926041bedfe98"),
		mustHex("48a170391f7dc42444e8fa2"),
	}
)

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("twap: invalid hex constant " + s)
	}
	return v
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 value, rounded up,
// matching the pool's own TickMath.
func SqrtRatioAtTick(tick int64) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: %d", ErrTickOutOfRange, tick)
	}

	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int).Set(q128)
	if absTick&1 != 0 {
		ratio.Set(tickRatioBit0)
	}
	for i, factor := range tickRatios {
		if absTick&(2<<i) != 0 {
			ratio.Mul(ratio, factor)
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	sqrt := new(big.Int).Rsh(ratio, 32)
	if new(big.Int).Mod(ratio, q32).Sign() != 0 {
		sqrt.Add(sqrt, big.NewInt(1))
	}
	return sqrt, nil
}

// QuoteAtTick converts baseAmount of one pool token into the other at the
// given tick. baseIsToken0 selects the direction: true quotes token0 in token1.
func QuoteAtTick(tick int64, baseAmount *big.Int, baseIsToken0 bool) (*big.Int, error) {
	sqrt, err := SqrtRatioAtTick(tick)
	if err != nil {
		return nil, err
	}

	quote := new(big.Int)
	if sqrt.Cmp(maxUint128) <= 0 {
		ratioX192 := new(big.Int).Mul(sqrt, sqrt)
		if baseIsToken0 {
			quote.Mul(ratioX192, baseAmount)
			return quote.Div(quote, q192), nil
		}
		quote.Mul(q192, baseAmount)
		return quote.Div(quote, ratioX192), nil
	}

	ratioX128 := new(big.Int).Mul(sqrt, sqrt)
	ratioX128.Div(ratioX128, q64)
	if baseIsToken0 {
		quote.Mul(ratioX128, baseAmount)
		return quote.Div(quote, q128), nil
	}
	quote.Mul(q128, baseAmount)
	return quote.Div(quote, ratioX128), nil
}

// rescale moves v from `from` decimals to `to` decimals, flooring when
// precision is dropped.
func rescale(v *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case to > from:
		out.Mul(out, pow10(to-from))
	case to < from:
		out.Quo(out, pow10(from-to))
	}
	return out
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
