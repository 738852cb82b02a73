package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

type handler func(args []interface{}) ([]interface{}, error)

type fakeContract struct {
	abi      abi.ABI
	handlers map[string]handler
}

// fakeCaller answers eth_call by decoding the selector against per-address
// ABIs and packing the handler's outputs.
type fakeCaller struct {
	contracts map[common.Address]fakeContract
	calls     map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{contracts: make(map[common.Address]fakeContract), calls: make(map[string]int)}
}

func (f *fakeCaller) on(addr common.Address, contract abi.ABI, method string, h handler) {
	c, ok := f.contracts[addr]
	if !ok {
		c = fakeContract{abi: contract, handlers: make(map[string]handler)}
	}
	c.handlers[method] = h
	f.contracts[addr] = c
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c, ok := f.contracts[*msg.To]
	if !ok {
		return nil, errors.New("no contract at address")
	}
	method, err := c.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.calls[method.Name]++
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	h, ok := c.handlers[method.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	out, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func chainWith(caller ethereum.ContractCaller) *Chain {
	c := NewChain(ChainOptions{RPCURL: "http://localhost"}, noopLogger())
	c.caller = caller
	return c
}

func TestChainMissingRPC(t *testing.T) {
	c := NewChain(ChainOptions{}, noopLogger())
	if _, err := c.call(context.Background(), tellorABI, common.Address{}, "getNewValueCountbyRequestId", big.NewInt(1)); err == nil {
		t.Fatal("expected error without rpc url")
	}
}

func TestIsRevert(t *testing.T) {
	if !isRevert(errors.New("execution reverted: OLD"), "OLD") {
		t.Fatal("OLD revert should match")
	}
	if isRevert(errors.New("connection refused"), "OLD") {
		t.Fatal("transport errors are not reverts")
	}
}
