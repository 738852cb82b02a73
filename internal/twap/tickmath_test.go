package twap

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func bigFromString(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, "invalid integer %q", s)
	return v
}

func TestSqrtRatioAtTickBounds(t *testing.T) {
	cases := []struct {
		tick int64
		want string
	}{
		{0, "79228162514264337593543950336"},
		{MinTick, "4295128739"},
		{MaxTick, "1461446703485210103287273052203988822378723970342"},
	}
	for _, tc := range cases {
		got, err := SqrtRatioAtTick(tc.tick)
		require.NoError(t, err)
		require.Equal(t, tc.want, got.String(), "tick %d", tc.tick)
	}
}

func TestSqrtRatioAtTickOutOfRange(t *testing.T) {
	_, err := SqrtRatioAtTick(MaxTick + 1)
	require.ErrorIs(t, err, ErrTickOutOfRange)
	_, err = SqrtRatioAtTick(MinTick - 1)
	require.ErrorIs(t, err, ErrTickOutOfRange)
}

func TestSqrtRatioMonotonic(t *testing.T) {
	prev, err := SqrtRatioAtTick(-1000)
	require.NoError(t, err)
	for tick := int64(-999); tick <= 1000; tick += 37 {
		cur, err := SqrtRatioAtTick(tick)
		require.NoError(t, err)
		require.Equal(t, 1, cur.Cmp(prev), "tick %d", tick)
		prev = cur
	}
}

func TestQuoteAtTickZero(t *testing.T) {
	base := bigFromString(t, "1000000000000000000")
	for _, dir := range []bool{true, false} {
		quote, err := QuoteAtTick(0, base, dir)
		require.NoError(t, err)
		require.Equal(t, 0, quote.Cmp(base))
	}
}

func TestQuoteAtTickOneBasisPoint(t *testing.T) {
	base := bigFromString(t, "1000000000000000000")
	tolerance := big.NewInt(1_000_000_000)

	up, err := QuoteAtTick(1, base, true)
	require.NoError(t, err)
	diff := new(big.Int).Sub(up, bigFromString(t, "1000100000000000000"))
	require.True(t, diff.CmpAbs(tolerance) <= 0, "tick 1 quote %s", up)

	down, err := QuoteAtTick(1, base, false)
	require.NoError(t, err)
	// 1 / 1.0001
	diff = new(big.Int).Sub(down, bigFromString(t, "999900009999000099"))
	require.True(t, diff.CmpAbs(tolerance) <= 0, "inverse tick 1 quote %s", down)
}

func TestQuoteAtTickHighRange(t *testing.T) {
	// above the uint128 sqrt boundary the pool switches to the X128 path
	quote, err := QuoteAtTick(500000, big.NewInt(1), true)
	require.NoError(t, err)
	require.Equal(t, 1, quote.Sign())

	// 1e24 / 1.0001^500000 ~= 193.36
	inverse, err := QuoteAtTick(500000, bigFromString(t, "1000000000000000000000000"), false)
	require.NoError(t, err)
	require.True(t, inverse.Cmp(big.NewInt(190)) >= 0 && inverse.Cmp(big.NewInt(196)) <= 0, "inverse quote %s", inverse)
}

func TestRescale(t *testing.T) {
	v := big.NewInt(123456789)
	require.Equal(t, "123456789000", rescale(v, 6, 9).String())
	require.Equal(t, "123456", rescale(v, 6, 3).String())
	require.Equal(t, "123456789", rescale(v, 6, 6).String())
	require.Equal(t, "123456789", v.String())
}
