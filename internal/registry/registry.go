package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrLengthMismatch is returned when identifiers and pools differ in length.
	ErrLengthMismatch = errors.New("registry: identifiers and pools length mismatch")
	// ErrDuplicateIdentifier is returned when one identifier is bound twice.
	ErrDuplicateIdentifier = errors.New("registry: duplicate identifier")
	// ErrUnknownIdentifier is returned by Resolve for unbound identifiers.
	ErrUnknownIdentifier = errors.New("registry: unknown identifier")
)

// QueryID names a tracked price feed. The same value keys the push oracle.
type QueryID uint64

// String renders the identifier in decimal.
func (id QueryID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Entry is a single identifier to pool binding.
type Entry struct {
	ID   QueryID        `json:"id"`
	Pool common.Address `json:"pool"`
}

// Registry maps query identifiers to AMM pools. It is immutable once built.
type Registry struct {
	pools map[QueryID]common.Address
}

// New binds ids[i] to pools[i] for every i. Either every pair is bound or an
// error is returned and no registry exists.
func New(ids []QueryID, pools []common.Address) (*Registry, error) {
	if len(ids) != len(pools) {
		return nil, fmt.Errorf("%w: %d identifiers, %d pools", ErrLengthMismatch, len(ids), len(pools))
	}

	bound := make(map[QueryID]common.Address, len(ids))
	for i, id := range ids {
		if _, exists := bound[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentifier, id)
		}
		bound[id] = pools[i]
	}

	return &Registry{pools: bound}, nil
}

// FromEntries builds a registry from already paired entries.
func FromEntries(entries []Entry) (*Registry, error) {
	ids := make([]QueryID, len(entries))
	pools := make([]common.Address, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		pools[i] = e.Pool
	}
	return New(ids, pools)
}

// Resolve returns the pool bound to id.
func (r *Registry) Resolve(id QueryID) (common.Address, error) {
	pool, ok := r.pools[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownIdentifier, id)
	}
	return pool, nil
}

// Entries lists every binding ordered by identifier.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.pools))
	for id, pool := range r.pools {
		out = append(out, Entry{ID: id, Pool: pool})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of bindings.
func (r *Registry) Len() int {
	return len(r.pools)
}
