package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS decisions (
        id                 UUID PRIMARY KEY,
        query_id           NUMERIC(20,0) NOT NULL,
        pool               TEXT          NOT NULL,
        source             TEXT          NOT NULL,
        value              NUMERIC(78,0) NOT NULL,
        value_ts           TIMESTAMPTZ   NOT NULL,
        push_value         NUMERIC(78,0) NOT NULL,
        push_ts            TIMESTAMPTZ   NOT NULL,
        twap_value         NUMERIC(78,0) NOT NULL,
        liquidity          NUMERIC(78,0) NOT NULL,
        liquidity_ok       BOOLEAN       NOT NULL,
        freshness_ok       BOOLEAN       NOT NULL,
        deviation_ok       BOOLEAN       NOT NULL,
        deviation_pct      NUMERIC       NOT NULL,
        age_seconds        BIGINT        NOT NULL,
        min_liquidity      NUMERIC(78,0) NOT NULL,
        max_age_seconds    BIGINT        NOT NULL,
        max_deviation_pct  BIGINT        NOT NULL,
        decided_at         TIMESTAMPTZ   NOT NULL,
        created_at         TIMESTAMPTZ   NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS decisions_query_decided_idx ON decisions (query_id, decided_at);
    CREATE TABLE IF NOT EXISTS alerts (
        id          BIGSERIAL PRIMARY KEY,
        decision_id UUID          NOT NULL REFERENCES decisions (id),
        query_id    NUMERIC(20,0) NOT NULL,
        gate        TEXT          NOT NULL,
        channels    TEXT[]        NOT NULL,
        created_at  TIMESTAMPTZ   NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS alerts_query_created_idx ON alerts (query_id, created_at);`

	insertDecisionSQL = `INSERT INTO decisions (
        id,
        query_id,
        pool,
        source,
        value,
        value_ts,
        push_value,
        push_ts,
        twap_value,
        liquidity,
        liquidity_ok,
        freshness_ok,
        deviation_ok,
        deviation_pct,
        age_seconds,
        min_liquidity,
        max_age_seconds,
        max_deviation_pct,
        decided_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
    );`

	decisionColumns = `
        id,
        query_id::TEXT,
        pool,
        source,
        value::TEXT,
        value_ts,
        push_value::TEXT,
        push_ts,
        twap_value::TEXT,
        liquidity::TEXT,
        liquidity_ok,
        freshness_ok,
        deviation_ok,
        deviation_pct::TEXT,
        age_seconds,
        min_liquidity::TEXT,
        max_age_seconds,
        max_deviation_pct,
        decided_at,
        created_at`

	listDecisionsBetweenSQL = `SELECT` + decisionColumns + `
    FROM decisions
    WHERE query_id = $1
      AND decided_at >= $2
      AND decided_at < $3
    ORDER BY decided_at
    LIMIT $4;`

	listRecentDecisionsSQL = `SELECT` + decisionColumns + `
    FROM decisions
    WHERE query_id = $1
    ORDER BY decided_at DESC
    LIMIT $2;`

	countDecisionsSQL = `SELECT COUNT(*) FROM decisions;`

	insertAlertSQL = `INSERT INTO alerts (
        decision_id,
        query_id,
        gate,
        channels
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, created_at;`

	lastAlertSQL = `SELECT created_at FROM alerts WHERE query_id = $1 ORDER BY created_at DESC LIMIT 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DecisionStore defines operations for decision persistence.
type DecisionStore interface {
	InsertDecision(ctx context.Context, rec DecisionRecord) error
	ListDecisionsBetween(ctx context.Context, queryID uint64, from, to time.Time, limit int) ([]DecisionRecord, error)
	ListRecentDecisions(ctx context.Context, queryID uint64, limit int) ([]DecisionRecord, error)
	CountDecisions(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	LastAlertAt(ctx context.Context, queryID uint64) (time.Time, bool, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to decisions and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the decisions and alerts tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the lock dies with the session if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertDecision persists one decision.
func (s *Store) InsertDecision(ctx context.Context, rec DecisionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertDecisionSQL,
		rec.ID,
		strconv.FormatUint(rec.QueryID, 10),
		rec.Pool,
		rec.Source,
		rec.Value.String(),
		rec.ValueTimestamp,
		rec.PushValue.String(),
		rec.PushTimestamp,
		rec.TwapValue.String(),
		rec.Liquidity.String(),
		rec.LiquidityOK,
		rec.FreshnessOK,
		rec.DeviationOK,
		rec.DeviationPct.String(),
		rec.AgeSeconds,
		rec.MinLiquidity.String(),
		rec.MaxAgeSeconds,
		rec.MaxDeviationPct,
		rec.DecidedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert decision: %w", execErr)
	}
	return nil
}

// ListDecisionsBetween lists a feed's decisions within a time window, oldest
// first. A non-positive limit returns every row.
func (s *Store) ListDecisionsBetween(ctx context.Context, queryID uint64, from, to time.Time, limit int) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rowLimit any
	if limit > 0 {
		rowLimit = limit
	}
	rows, queryErr := pool.Query(ctx, listDecisionsBetweenSQL, strconv.FormatUint(queryID, 10), from, to, rowLimit)
	if queryErr != nil {
		return nil, fmt.Errorf("list decisions between: %w", queryErr)
	}
	return collectDecisions(rows)
}

// ListRecentDecisions lists a feed's newest decisions, newest first.
func (s *Store) ListRecentDecisions(ctx context.Context, queryID uint64, limit int) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, strconv.FormatUint(queryID, 10), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	return collectDecisions(rows)
}

// CountDecisions counts stored decisions.
func (s *Store) CountDecisions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countDecisionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count decisions: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	rec := alert
	if scanErr := pool.QueryRow(ctx, insertAlertSQL,
		alert.DecisionID,
		strconv.FormatUint(alert.QueryID, 10),
		alert.Gate,
		alert.Channels,
	).Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// LastAlertAt returns when the feed last alerted.
func (s *Store) LastAlertAt(ctx context.Context, queryID uint64) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var at time.Time
	scanErr := pool.QueryRow(ctx, lastAlertSQL, strconv.FormatUint(queryID, 10)).Scan(&at)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if scanErr != nil {
		return time.Time{}, false, fmt.Errorf("last alert: %w", scanErr)
	}
	return at, true, nil
}

func collectDecisions(rows pgx.Rows) ([]DecisionRecord, error) {
	defer rows.Close()

	records := make([]DecisionRecord, 0)
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanDecision(rows pgx.Rows) (DecisionRecord, error) {
	var (
		rec                                      DecisionRecord
		queryIDStr, valueStr, pushStr, twapStr   string
		liquidityStr, deviationStr, minLiquidStr string
	)

	if err := rows.Scan(
		&rec.ID,
		&queryIDStr,
		&rec.Pool,
		&rec.Source,
		&valueStr,
		&rec.ValueTimestamp,
		&pushStr,
		&rec.PushTimestamp,
		&twapStr,
		&liquidityStr,
		&rec.LiquidityOK,
		&rec.FreshnessOK,
		&rec.DeviationOK,
		&deviationStr,
		&rec.AgeSeconds,
		&minLiquidStr,
		&rec.MaxAgeSeconds,
		&rec.MaxDeviationPct,
		&rec.DecidedAt,
		&rec.CreatedAt,
	); err != nil {
		return DecisionRecord{}, err
	}

	queryID, err := decimal.NewFromString(queryIDStr)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("parse query id: %w", err)
	}
	rec.QueryID = queryID.BigInt().Uint64()

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"value", valueStr, &rec.Value},
		{"push value", pushStr, &rec.PushValue},
		{"twap value", twapStr, &rec.TwapValue},
		{"liquidity", liquidityStr, &rec.Liquidity},
		{"deviation pct", deviationStr, &rec.DeviationPct},
		{"min liquidity", minLiquidStr, &rec.MinLiquidity},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return DecisionRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return rec, nil
}

var (
	_ DecisionStore  = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
