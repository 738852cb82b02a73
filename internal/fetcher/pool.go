package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"fallback-oracle/internal/twap"
)

const (
	uniswapV3PoolABIJSON = `[
{"inputs":[{"internalType":"uint32[]","name":"secondsAgos","type":"uint32[]"}],"name":"observe","outputs":[{"internalType":"int56[]","name":"tickCumulatives","type":"int56[]"},{"internalType":"uint160[]","name":"secondsPerLiquidityCumulativeX128s","type":"uint160[]"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"liquidity","outputs":[{"internalType":"uint128","name":"","type":"uint128"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"token1","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`
	erc20ABIJSON = `[{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`
)

var (
	uniswapV3PoolABI = mustParseABI(uniswapV3PoolABIJSON)
	erc20ABI         = mustParseABI(erc20ABIJSON)
)

// UniswapV3 reads observations and liquidity from Uniswap V3 pools.
type UniswapV3 struct {
	chain  *Chain
	logger zerolog.Logger

	// token metadata is immutable per pool
	tokensMu sync.RWMutex
	tokens   map[common.Address]twap.PoolTokens
}

// NewUniswapV3 builds the pool reader.
func NewUniswapV3(chain *Chain, logger zerolog.Logger) *UniswapV3 {
	return &UniswapV3{
		chain:  chain,
		logger: logger.With().Str("component", "pool_reader").Logger(),
		tokens: make(map[common.Address]twap.PoolTokens),
	}
}

// Observe returns tick and seconds-per-liquidity cumulatives for each offset.
func (u *UniswapV3) Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, []*big.Int, error) {
	outputs, err := u.chain.call(ctx, uniswapV3PoolABI, pool, "observe", secondsAgos)
	if err != nil {
		if isRevert(err, "OLD") {
			return nil, nil, fmt.Errorf("%w: %v", twap.ErrInsufficientObservationHistory, err)
		}
		return nil, nil, fmt.Errorf("pool observe: %w", err)
	}
	if len(outputs) != 2 {
		return nil, nil, errors.New("unexpected observe response")
	}
	ticks, ok := outputs[0].([]*big.Int)
	if !ok {
		return nil, nil, errors.New("failed to decode observe tick cumulatives")
	}
	spl, ok := outputs[1].([]*big.Int)
	if !ok {
		return nil, nil, errors.New("failed to decode observe seconds per liquidity")
	}
	return ticks, spl, nil
}

// Liquidity returns the pool's in-range liquidity right now.
func (u *UniswapV3) Liquidity(ctx context.Context, pool common.Address) (*big.Int, error) {
	outputs, err := u.chain.call(ctx, uniswapV3PoolABI, pool, "liquidity")
	if err != nil {
		return nil, fmt.Errorf("pool liquidity: %w", err)
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected liquidity response")
	}
	liquidity, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode liquidity output")
	}
	return liquidity, nil
}

// Tokens returns the pool's token pair with decimals, memoised per pool.
func (u *UniswapV3) Tokens(ctx context.Context, pool common.Address) (twap.PoolTokens, error) {
	u.tokensMu.RLock()
	cached, ok := u.tokens[pool]
	u.tokensMu.RUnlock()
	if ok {
		return cached, nil
	}

	token0, err := u.address(ctx, pool, "token0")
	if err != nil {
		return twap.PoolTokens{}, err
	}
	token1, err := u.address(ctx, pool, "token1")
	if err != nil {
		return twap.PoolTokens{}, err
	}
	dec0, err := u.decimals(ctx, token0)
	if err != nil {
		return twap.PoolTokens{}, err
	}
	dec1, err := u.decimals(ctx, token1)
	if err != nil {
		return twap.PoolTokens{}, err
	}

	tokens := twap.PoolTokens{Token0: token0, Token1: token1, Decimals0: dec0, Decimals1: dec1}
	u.tokensMu.Lock()
	u.tokens[pool] = tokens
	u.tokensMu.Unlock()

	u.logger.Debug().
		Str("pool", pool.Hex()).
		Str("token0", token0.Hex()).
		Str("token1", token1.Hex()).
		Uint8("decimals0", dec0).
		Uint8("decimals1", dec1).
		Msg("pool tokens resolved")
	return tokens, nil
}

func (u *UniswapV3) address(ctx context.Context, pool common.Address, method string) (common.Address, error) {
	outputs, err := u.chain.call(ctx, uniswapV3PoolABI, pool, method)
	if err != nil {
		return common.Address{}, fmt.Errorf("pool %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return common.Address{}, fmt.Errorf("unexpected %s response", method)
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("failed to decode %s output", method)
	}
	return addr, nil
}

func (u *UniswapV3) decimals(ctx context.Context, token common.Address) (uint8, error) {
	outputs, err := u.chain.call(ctx, erc20ABI, token, "decimals")
	if err != nil {
		return 0, fmt.Errorf("token decimals %s: %w", token.Hex(), err)
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	dec, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	return dec, nil
}

