package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/registry"
)

const tellorABIJSON = `[
{"inputs":[{"internalType":"uint256","name":"_requestId","type":"uint256"}],"name":"getNewValueCountbyRequestId","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"_requestId","type":"uint256"},{"internalType":"uint256","name":"_index","type":"uint256"}],"name":"getTimestampbyRequestIDandIndex","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"_requestId","type":"uint256"},{"internalType":"uint256","name":"_timestamp","type":"uint256"}],"name":"retrieveData","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var tellorABI = mustParseABI(tellorABIJSON)

// Tellor reads the latest report for a request id from a Tellor playground
// style contract.
type Tellor struct {
	chain   *Chain
	address string
	logger  zerolog.Logger
}

// NewTellor builds the push oracle reader.
func NewTellor(chain *Chain, address string, logger zerolog.Logger) *Tellor {
	return &Tellor{chain: chain, address: address, logger: logger.With().Str("component", "tellor_reader").Logger()}
}

// Latest returns the newest value and its timestamp. ok is false when the
// request id has never been reported.
func (t *Tellor) Latest(ctx context.Context, id registry.QueryID) (arbiter.PushValue, bool, error) {
	if t.address == "" {
		return arbiter.PushValue{}, false, errors.New("tellor contract address not configured")
	}
	addr := common.HexToAddress(t.address)
	requestID := new(big.Int).SetUint64(uint64(id))

	count, err := t.callUint(ctx, addr, "getNewValueCountbyRequestId", requestID)
	if err != nil {
		return arbiter.PushValue{}, false, err
	}
	if count.Sign() == 0 {
		t.logger.Debug().Str("query_id", id.String()).Msg("no report yet")
		return arbiter.PushValue{}, false, nil
	}

	index := new(big.Int).Sub(count, big.NewInt(1))
	timestamp, err := t.callUint(ctx, addr, "getTimestampbyRequestIDandIndex", requestID, index)
	if err != nil {
		return arbiter.PushValue{}, false, err
	}
	if !timestamp.IsUint64() {
		return arbiter.PushValue{}, false, fmt.Errorf("tellor timestamp out of range: %s", timestamp)
	}

	value, err := t.callUint(ctx, addr, "retrieveData", requestID, timestamp)
	if err != nil {
		return arbiter.PushValue{}, false, err
	}

	return arbiter.PushValue{Value: value, Timestamp: timestamp.Uint64()}, true, nil
}

func (t *Tellor) callUint(ctx context.Context, addr common.Address, method string, args ...interface{}) (*big.Int, error) {
	outputs, err := t.chain.call(ctx, tellorABI, addr, method, args...)
	if err != nil {
		return nil, fmt.Errorf("tellor %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}
