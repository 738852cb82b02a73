package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sugawarayuuta/sonnet"
)

// Document is the JSON layout accepted by Import.
type Document struct {
	AsOf       int64        `json:"as_of"`
	PushValues []PushRecord `json:"push_values"`
	Pools      []PoolRecord `json:"pools"`
}

// PushRecord is one push oracle report.
type PushRecord struct {
	QueryID   uint64 `json:"query_id"`
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value"`
}

// PoolRecord describes a pool and its recorded observations.
type PoolRecord struct {
	Address      string              `json:"address"`
	Token0       string              `json:"token0"`
	Token1       string              `json:"token1"`
	Decimals0    uint8               `json:"decimals0"`
	Decimals1    uint8               `json:"decimals1"`
	Tick         int64               `json:"tick"`
	Liquidity    string              `json:"liquidity"`
	Observations []ObservationRecord `json:"observations"`
}

// ObservationRecord is one cumulative observation of a pool.
type ObservationRecord struct {
	Timestamp               int64  `json:"timestamp"`
	TickCumulative          string `json:"tick_cumulative"`
	SecondsPerLiquidityX128 string `json:"seconds_per_liquidity_x128"`
}

// ImportStats summarises what Import wrote.
type ImportStats struct {
	PushValues   int
	Pools        int
	Observations int
}

// Import reads a JSON document from r and writes it in a single transaction.
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return ImportStats{}, fmt.Errorf("read snapshot document: %w", err)
	}
	var doc Document
	if err := sonnet.Unmarshal(raw, &doc); err != nil {
		return ImportStats{}, fmt.Errorf("decode snapshot document: %w", err)
	}
	if err := doc.validate(); err != nil {
		return ImportStats{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ImportStats{}, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stats ImportStats
	if _, err := tx.ExecContext(ctx, upsertMetaSQL, metaAsOf, strconv.FormatInt(doc.AsOf, 10)); err != nil {
		return ImportStats{}, fmt.Errorf("write as_of: %w", err)
	}
	for _, p := range doc.PushValues {
		if _, err := tx.ExecContext(ctx, upsertPushSQL, int64(p.QueryID), p.Timestamp, p.Value); err != nil {
			return ImportStats{}, fmt.Errorf("write push value %d@%d: %w", p.QueryID, p.Timestamp, err)
		}
		stats.PushValues++
	}
	for _, pool := range doc.Pools {
		addr := common.HexToAddress(pool.Address).Hex()
		if _, err := tx.ExecContext(ctx, upsertPoolStateSQL, addr,
			common.HexToAddress(pool.Token0).Hex(), common.HexToAddress(pool.Token1).Hex(),
			pool.Decimals0, pool.Decimals1, pool.Tick, pool.Liquidity); err != nil {
			return ImportStats{}, fmt.Errorf("write pool %s: %w", addr, err)
		}
		stats.Pools++
		for _, o := range pool.Observations {
			if _, err := tx.ExecContext(ctx, upsertObsSQL, addr, o.Timestamp, o.TickCumulative, o.SecondsPerLiquidityX128); err != nil {
				return ImportStats{}, fmt.Errorf("write observation %s@%d: %w", addr, o.Timestamp, err)
			}
			stats.Observations++
		}
	}

	if err := tx.Commit(); err != nil {
		return ImportStats{}, fmt.Errorf("commit import: %w", err)
	}
	s.logger.Info().
		Int("push_values", stats.PushValues).
		Int("pools", stats.Pools).
		Int("observations", stats.Observations).
		Int64("as_of", doc.AsOf).
		Msg("snapshot imported")
	return stats, nil
}

func (d Document) validate() error {
	if d.AsOf <= 0 {
		return errors.New("snapshot as_of must be positive")
	}
	for _, p := range d.PushValues {
		if _, err := parseBig(p.Value); err != nil {
			return fmt.Errorf("push value for query %d: %w", p.QueryID, err)
		}
	}
	for _, pool := range d.Pools {
		if !common.IsHexAddress(pool.Address) {
			return fmt.Errorf("invalid pool address %q", pool.Address)
		}
		if _, err := parseBig(pool.Liquidity); err != nil {
			return fmt.Errorf("liquidity for pool %s: %w", pool.Address, err)
		}
		for _, o := range pool.Observations {
			if _, err := parseBig(o.TickCumulative); err != nil {
				return fmt.Errorf("observation %s@%d: %w", pool.Address, o.Timestamp, err)
			}
			if _, err := parseBig(o.SecondsPerLiquidityX128); err != nil {
				return fmt.Errorf("observation %s@%d: %w", pool.Address, o.Timestamp, err)
			}
		}
	}
	return nil
}
