package registry

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	poolA = common.HexToAddress("0x04916039b1f59d9745bf6e0a21f191d1e0a84287")
	poolB = common.HexToAddress("0x8ad599c3a0ff1de082011efddc58f1908eb6e6d8")
)

func TestNewLengthMismatch(t *testing.T) {
	cases := []struct {
		name  string
		ids   []QueryID
		pools []common.Address
	}{
		{"more ids", []QueryID{1, 2}, []common.Address{poolA}},
		{"more pools", []QueryID{1}, []common.Address{poolA, poolB}},
		{"ids only", []QueryID{1}, nil},
		{"pools only", nil, []common.Address{poolA}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, err := New(tc.ids, tc.pools)
			require.ErrorIs(t, err, ErrLengthMismatch)
			require.Nil(t, reg)
		})
	}
}

func TestNewEmpty(t *testing.T) {
	reg, err := New(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, reg.Len())
	require.Empty(t, reg.Entries())

	_, err = reg.Resolve(1)
	require.ErrorIs(t, err, ErrUnknownIdentifier)
}

func TestNewBindsByIndex(t *testing.T) {
	reg, err := New([]QueryID{7, 1}, []common.Address{poolB, poolA})
	require.NoError(t, err)

	got, err := reg.Resolve(7)
	require.NoError(t, err)
	require.Equal(t, poolB, got)

	got, err = reg.Resolve(1)
	require.NoError(t, err)
	require.Equal(t, poolA, got)

	require.Equal(t, []Entry{{ID: 1, Pool: poolA}, {ID: 7, Pool: poolB}}, reg.Entries())
}

func TestNewRejectsDuplicates(t *testing.T) {
	reg, err := New([]QueryID{1, 1}, []common.Address{poolA, poolB})
	require.ErrorIs(t, err, ErrDuplicateIdentifier)
	require.Nil(t, reg)
}

func TestResolveUnknown(t *testing.T) {
	reg, err := New([]QueryID{1}, []common.Address{poolA})
	require.NoError(t, err)

	_, err = reg.Resolve(2)
	if !errors.Is(err, ErrUnknownIdentifier) {
		t.Fatalf("expected ErrUnknownIdentifier, got %v", err)
	}
}

func TestFromEntries(t *testing.T) {
	reg, err := FromEntries([]Entry{{ID: 3, Pool: poolA}})
	require.NoError(t, err)
	got, err := reg.Resolve(3)
	require.NoError(t, err)
	require.Equal(t, poolA, got)
}
