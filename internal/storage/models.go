package storage

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fallback-oracle/internal/arbiter"
)

// DecisionRecord is one persisted arbitration outcome with its diagnostics.
type DecisionRecord struct {
	ID              uuid.UUID
	QueryID         uint64
	Pool            string
	Source          string
	Value           decimal.Decimal
	ValueTimestamp  time.Time
	PushValue       decimal.Decimal
	PushTimestamp   time.Time
	TwapValue       decimal.Decimal
	Liquidity       decimal.Decimal
	LiquidityOK     bool
	FreshnessOK     bool
	DeviationOK     bool
	DeviationPct    decimal.Decimal
	AgeSeconds      int64
	MinLiquidity    decimal.Decimal
	MaxAgeSeconds   int64
	MaxDeviationPct int64
	DecidedAt       time.Time
	CreatedAt       time.Time
}

// AlertRecord captures an emitted fallback alert for cooldowns and auditing.
type AlertRecord struct {
	ID         int64
	DecisionID uuid.UUID
	QueryID    uint64
	Gate       string
	Channels   []string
	CreatedAt  time.Time
}

// FromDecision flattens an engine decision into a record with a fresh ID.
func FromDecision(d arbiter.Decision) DecisionRecord {
	return DecisionRecord{
		ID:              uuid.New(),
		QueryID:         uint64(d.QueryID),
		Pool:            d.Pool.Hex(),
		Source:          d.Result.Source.String(),
		Value:           bigDecimal(d.Result.Value),
		ValueTimestamp:  time.Unix(int64(d.Result.Timestamp), 0).UTC(),
		PushValue:       bigDecimal(d.Push.Value),
		PushTimestamp:   time.Unix(int64(d.Push.Timestamp), 0).UTC(),
		TwapValue:       bigDecimal(d.Twap.AveragePrice),
		Liquidity:       bigDecimal(d.Twap.CurrentLiquidity),
		LiquidityOK:     d.Gates.Liquidity,
		FreshnessOK:     d.Gates.Freshness,
		DeviationOK:     d.Gates.Deviation,
		DeviationPct:    d.DeviationPct(),
		AgeSeconds:      d.AgeSeconds,
		MinLiquidity:    bigDecimal(d.Thresholds.MinLiquidity),
		MaxAgeSeconds:   int64(d.Thresholds.MaxAge / time.Second),
		MaxDeviationPct: int64(d.Thresholds.MaxPercentDeviation),
		DecidedAt:       d.DecidedAt.UTC(),
	}
}

// FellBack reports whether the push oracle value was served.
func (r DecisionRecord) FellBack() bool {
	return r.Source == arbiter.SourcePush.String()
}

func bigDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}
