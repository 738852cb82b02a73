// Package snapshot keeps a frozen copy of push oracle reports and pool
// observations in sqlite so decisions can be replayed offline.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/twap"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS push_values (
    query_id INTEGER NOT NULL,
    ts       INTEGER NOT NULL,
    value    TEXT    NOT NULL,
    PRIMARY KEY (query_id, ts)
);
CREATE TABLE IF NOT EXISTS pool_state (
    pool      TEXT PRIMARY KEY,
    token0    TEXT    NOT NULL,
    token1    TEXT    NOT NULL,
    decimals0 INTEGER NOT NULL,
    decimals1 INTEGER NOT NULL,
    tick      INTEGER NOT NULL,
    liquidity TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS pool_observations (
    pool                       TEXT    NOT NULL,
    ts                         INTEGER NOT NULL,
    tick_cumulative            TEXT    NOT NULL,
    seconds_per_liquidity_x128 TEXT    NOT NULL,
    PRIMARY KEY (pool, ts)
);`

const (
	metaAsOf = "as_of"

	selectMetaSQL      = `SELECT value FROM meta WHERE key = ?;`
	upsertMetaSQL      = `INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value;`
	latestPushSQL      = `SELECT ts, value FROM push_values WHERE query_id = ? AND ts <= ? ORDER BY ts DESC LIMIT 1;`
	upsertPushSQL      = `INSERT OR REPLACE INTO push_values (query_id, ts, value) VALUES (?, ?, ?);`
	selectPoolStateSQL = `SELECT token0, token1, decimals0, decimals1, tick, liquidity FROM pool_state WHERE pool = ?;`
	upsertPoolStateSQL = `INSERT OR REPLACE INTO pool_state (pool, token0, token1, decimals0, decimals1, tick, liquidity) VALUES (?, ?, ?, ?, ?, ?, ?);`
	upsertObsSQL       = `INSERT OR REPLACE INTO pool_observations (pool, ts, tick_cumulative, seconds_per_liquidity_x128) VALUES (?, ?, ?, ?);`
	obsAtOrBeforeSQL   = `SELECT ts, tick_cumulative, seconds_per_liquidity_x128 FROM pool_observations WHERE pool = ? AND ts <= ? ORDER BY ts DESC LIMIT 1;`
	obsAfterSQL        = `SELECT ts, tick_cumulative, seconds_per_liquidity_x128 FROM pool_observations WHERE pool = ? AND ts > ? ORDER BY ts ASC LIMIT 1;`
)

// ErrPoolNotFound is returned for pools missing from the snapshot.
var ErrPoolNotFound = errors.New("snapshot: pool not found")

// Store is a sqlite snapshot that serves both the push oracle and the pool facades.
type Store struct {
	db     *sql.DB
	asOf   time.Time
	logger zerolog.Logger
}

// Open opens (or creates) the snapshot database at path.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot schema: %w", err)
	}
	return &Store{db: db, logger: logger.With().Str("component", "snapshot").Logger()}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// At returns a view of the snapshot pinned to t instead of the recorded
// as_of instant. Views share the database; only the parent is closed.
func (s *Store) At(t time.Time) *Store {
	view := *s
	view.asOf = t.UTC()
	return &view
}

// AsOf returns the instant the snapshot was taken, or the pinned instant of
// a view. Observation offsets and the replay clock are relative to it.
func (s *Store) AsOf(ctx context.Context) (time.Time, error) {
	if !s.asOf.IsZero() {
		return s.asOf, nil
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, selectMetaSQL, metaAsOf).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, errors.New("snapshot has no as_of timestamp")
		}
		return time.Time{}, fmt.Errorf("read as_of: %w", err)
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse as_of: %w", err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// Latest returns the newest report at or before AsOf.
func (s *Store) Latest(ctx context.Context, id registry.QueryID) (arbiter.PushValue, bool, error) {
	asOf, err := s.AsOf(ctx)
	if err != nil {
		return arbiter.PushValue{}, false, err
	}

	var (
		ts  int64
		raw string
	)
	err = s.db.QueryRowContext(ctx, latestPushSQL, int64(id), asOf.Unix()).Scan(&ts, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return arbiter.PushValue{}, false, nil
	}
	if err != nil {
		return arbiter.PushValue{}, false, fmt.Errorf("latest push value: %w", err)
	}
	value, err := parseBig(raw)
	if err != nil {
		return arbiter.PushValue{}, false, err
	}
	return arbiter.PushValue{Value: value, Timestamp: uint64(ts)}, true, nil
}

// Liquidity returns the in-range liquidity of pool at AsOf. Inside the
// observed history it is derived from the seconds-per-liquidity accrued over
// the observation span covering AsOf; from the newest observation on it is
// the stored pool liquidity.
func (s *Store) Liquidity(ctx context.Context, pool common.Address) (*big.Int, error) {
	st, err := s.poolState(ctx, pool)
	if err != nil {
		return nil, err
	}
	asOf, err := s.AsOf(ctx)
	if err != nil {
		return nil, err
	}
	target := asOf.Unix()

	before, ok, err := s.queryObservation(ctx, obsAtOrBeforeSQL, pool, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: pool %s at %d", twap.ErrInsufficientObservationHistory, pool.Hex(), target)
	}
	after, ok, err := s.queryObservation(ctx, obsAfterSQL, pool, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return st.liquidity, nil
	}
	if liq := spanLiquidity(before, after); liq != nil {
		return liq, nil
	}
	return st.liquidity, nil
}

// Tokens returns the stored token pair of pool.
func (s *Store) Tokens(ctx context.Context, pool common.Address) (twap.PoolTokens, error) {
	st, err := s.poolState(ctx, pool)
	if err != nil {
		return twap.PoolTokens{}, err
	}
	return st.tokens, nil
}

// Observe answers like the pool's observation ring buffer: exact hits are
// returned, gaps are interpolated, offsets past the newest observation are
// extrapolated with the stored tick and liquidity, and offsets older than the
// oldest observation fail with ErrInsufficientObservationHistory.
func (s *Store) Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, []*big.Int, error) {
	asOf, err := s.AsOf(ctx)
	if err != nil {
		return nil, nil, err
	}
	st, err := s.poolState(ctx, pool)
	if err != nil {
		return nil, nil, err
	}

	ticks := make([]*big.Int, len(secondsAgos))
	spl := make([]*big.Int, len(secondsAgos))
	for i, ago := range secondsAgos {
		target := asOf.Unix() - int64(ago)
		obs, err := s.observeSingle(ctx, pool, target, st)
		if err != nil {
			return nil, nil, err
		}
		ticks[i] = obs.tickCumulative
		spl[i] = obs.secondsPerLiquidity
	}
	return ticks, spl, nil
}

type observation struct {
	ts                  int64
	tickCumulative      *big.Int
	secondsPerLiquidity *big.Int
}

type poolState struct {
	tokens    twap.PoolTokens
	tick      int64
	liquidity *big.Int
}

func (s *Store) observeSingle(ctx context.Context, pool common.Address, target int64, st poolState) (observation, error) {
	before, ok, err := s.queryObservation(ctx, obsAtOrBeforeSQL, pool, target)
	if err != nil {
		return observation{}, err
	}
	if !ok {
		return observation{}, fmt.Errorf("%w: pool %s at %d", twap.ErrInsufficientObservationHistory, pool.Hex(), target)
	}
	if before.ts == target {
		return before, nil
	}

	after, ok, err := s.queryObservation(ctx, obsAfterSQL, pool, target)
	if err != nil {
		return observation{}, err
	}
	if !ok {
		return transform(before, target, st.tick, st.liquidity), nil
	}
	return interpolate(before, after, target), nil
}

func (s *Store) queryObservation(ctx context.Context, query string, pool common.Address, target int64) (observation, bool, error) {
	var (
		obs           observation
		tickRaw, spRaw string
	)
	err := s.db.QueryRowContext(ctx, query, pool.Hex(), target).Scan(&obs.ts, &tickRaw, &spRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return observation{}, false, nil
	}
	if err != nil {
		return observation{}, false, fmt.Errorf("query observation: %w", err)
	}
	if obs.tickCumulative, err = parseBig(tickRaw); err != nil {
		return observation{}, false, err
	}
	if obs.secondsPerLiquidity, err = parseBig(spRaw); err != nil {
		return observation{}, false, err
	}
	return obs, true, nil
}

func (s *Store) poolState(ctx context.Context, pool common.Address) (poolState, error) {
	var (
		st                     poolState
		token0, token1, liqRaw string
	)
	err := s.db.QueryRowContext(ctx, selectPoolStateSQL, pool.Hex()).
		Scan(&token0, &token1, &st.tokens.Decimals0, &st.tokens.Decimals1, &st.tick, &liqRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return poolState{}, fmt.Errorf("%w: %s", ErrPoolNotFound, pool.Hex())
	}
	if err != nil {
		return poolState{}, fmt.Errorf("pool state: %w", err)
	}
	st.tokens.Token0 = common.HexToAddress(token0)
	st.tokens.Token1 = common.HexToAddress(token1)
	if st.liquidity, err = parseBig(liqRaw); err != nil {
		return poolState{}, err
	}
	return st, nil
}

// transform advances last to target the way the pool accrues cumulatives.
func transform(last observation, target, tick int64, liquidity *big.Int) observation {
	delta := big.NewInt(target - last.ts)

	tc := new(big.Int).Mul(big.NewInt(tick), delta)
	tc.Add(tc, last.tickCumulative)

	denom := liquidity
	if denom.Sign() <= 0 {
		denom = big.NewInt(1)
	}
	sp := new(big.Int).Lsh(delta, 128)
	sp.Quo(sp, denom)
	sp.Add(sp, last.secondsPerLiquidity)

	return observation{ts: target, tickCumulative: tc, secondsPerLiquidity: sp}
}

// spanLiquidity inverts the seconds-per-liquidity accrual between two
// observations: L = dt * 2^128 / dspl. It returns nil when nothing accrued.
func spanLiquidity(before, after observation) *big.Int {
	dspl := new(big.Int).Sub(after.secondsPerLiquidity, before.secondsPerLiquidity)
	if dspl.Sign() <= 0 {
		return nil
	}
	liq := new(big.Int).Lsh(big.NewInt(after.ts-before.ts), 128)
	return liq.Quo(liq, dspl)
}

func interpolate(before, after observation, target int64) observation {
	span := big.NewInt(after.ts - before.ts)
	offset := big.NewInt(target - before.ts)

	// tick cumulative slope is truncated before scaling, as the pool does
	tc := new(big.Int).Sub(after.tickCumulative, before.tickCumulative)
	tc.Quo(tc, span)
	tc.Mul(tc, offset)
	tc.Add(tc, before.tickCumulative)

	sp := new(big.Int).Sub(after.secondsPerLiquidity, before.secondsPerLiquidity)
	sp.Mul(sp, offset)
	sp.Quo(sp, span)
	sp.Add(sp, before.secondsPerLiquidity)

	return observation{ts: target, tickCumulative: tc, secondsPerLiquidity: sp}
}

func parseBig(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

var (
	_ arbiter.PushReader = (*Store)(nil)
	_ twap.PoolSource    = (*Store)(nil)
)
