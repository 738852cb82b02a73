package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"fallback-oracle/internal/twap"
)

var (
	poolAddr = common.HexToAddress("0x04916039b1f59d9745bf6e0a21f191d1e0a84287")
	token0   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	token1   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func poolCaller() *fakeCaller {
	caller := newFakeCaller()
	caller.on(poolAddr, uniswapV3PoolABI, "observe", func(args []interface{}) ([]interface{}, error) {
		secondsAgos := args[0].([]uint32)
		ticks := make([]*big.Int, len(secondsAgos))
		spl := make([]*big.Int, len(secondsAgos))
		for i, ago := range secondsAgos {
			ticks[i] = big.NewInt(-int64(ago) * 200)
			spl[i] = big.NewInt(int64(1000 - ago))
		}
		return []interface{}{ticks, spl}, nil
	})
	caller.on(poolAddr, uniswapV3PoolABI, "liquidity", func([]interface{}) ([]interface{}, error) {
		v, _ := new(big.Int).SetString("242005866247579280920", 10)
		return []interface{}{v}, nil
	})
	caller.on(poolAddr, uniswapV3PoolABI, "token0", func([]interface{}) ([]interface{}, error) {
		return []interface{}{token0}, nil
	})
	caller.on(poolAddr, uniswapV3PoolABI, "token1", func([]interface{}) ([]interface{}, error) {
		return []interface{}{token1}, nil
	})
	caller.on(token0, erc20ABI, "decimals", func([]interface{}) ([]interface{}, error) {
		return []interface{}{uint8(6)}, nil
	})
	caller.on(token1, erc20ABI, "decimals", func([]interface{}) ([]interface{}, error) {
		return []interface{}{uint8(18)}, nil
	})
	return caller
}

func TestUniswapObserve(t *testing.T) {
	reader := NewUniswapV3(chainWith(poolCaller()), noopLogger())
	ticks, spl, err := reader.Observe(context.Background(), poolAddr, []uint32{600, 0})
	if err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	if ticks[0].Int64() != -120000 || ticks[1].Int64() != 0 {
		t.Fatalf("unexpected tick cumulatives %v", ticks)
	}
	if spl[0].Int64() != 400 || spl[1].Int64() != 1000 {
		t.Fatalf("unexpected seconds per liquidity %v", spl)
	}
}

func TestUniswapObserveTooOld(t *testing.T) {
	caller := newFakeCaller()
	caller.on(poolAddr, uniswapV3PoolABI, "observe", func([]interface{}) ([]interface{}, error) {
		return nil, errors.New("execution reverted: OLD")
	})
	reader := NewUniswapV3(chainWith(caller), noopLogger())

	_, _, err := reader.Observe(context.Background(), poolAddr, []uint32{86400, 0})
	if !errors.Is(err, twap.ErrInsufficientObservationHistory) {
		t.Fatalf("expected insufficient history, got %v", err)
	}
}

func TestUniswapTokensMemoised(t *testing.T) {
	caller := poolCaller()
	reader := NewUniswapV3(chainWith(caller), noopLogger())

	for i := 0; i < 3; i++ {
		tokens, err := reader.Tokens(context.Background(), poolAddr)
		if err != nil {
			t.Fatalf("tokens failed: %v", err)
		}
		if tokens.Token0 != token0 || tokens.Token1 != token1 || tokens.Decimals0 != 6 || tokens.Decimals1 != 18 {
			t.Fatalf("unexpected tokens %+v", tokens)
		}
	}
	if caller.calls["token0"] != 1 || caller.calls["decimals"] != 2 {
		t.Fatalf("token metadata should be read once, calls=%v", caller.calls)
	}
}

func TestUniswapThroughTwapReader(t *testing.T) {
	pools := NewUniswapV3(chainWith(poolCaller()), noopLogger())
	reader := twap.NewReader(pools, twap.Options{PriceDecimals: 18}, noopLogger())

	sample, err := reader.Sample(context.Background(), poolAddr, twap.Window{SecondsAgoStart: 600})
	if err != nil {
		t.Fatalf("sample failed: %v", err)
	}
	if sample.AverageTick != 200 {
		t.Fatalf("expected mean tick 200, got %d", sample.AverageTick)
	}
	if sample.CurrentLiquidity.String() != "242005866247579280920" {
		t.Fatalf("unexpected liquidity %s", sample.CurrentLiquidity)
	}
	// 1e6 token0 atoms at 1.0001^200 is ~1.0202e6 token1 atoms
	if sample.AveragePrice.Cmp(big.NewInt(1_020_000)) < 0 || sample.AveragePrice.Cmp(big.NewInt(1_021_000)) > 0 {
		t.Fatalf("unexpected price %s", sample.AveragePrice)
	}
}
