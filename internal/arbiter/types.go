package arbiter

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/twap"
)

// Source tags which feed supplied a result. The numeric values are consumed
// downstream and must not change.
type Source uint8

const (
	SourceAMM  Source = 1
	SourcePush Source = 2
)

func (s Source) String() string {
	switch s {
	case SourceAMM:
		return "amm"
	case SourcePush:
		return "push"
	default:
		return "unknown"
	}
}

// PushValue is the latest report from the push oracle.
type PushValue struct {
	Value     *big.Int
	Timestamp uint64
}

// Result is the arbitrated price.
type Result struct {
	Value     *big.Int `json:"value"`
	Timestamp uint64   `json:"timestamp"`
	Source    Source   `json:"source"`
}

// Thresholds are the caller's risk tolerances for one query.
type Thresholds struct {
	// MinLiquidity is the smallest acceptable current pool liquidity. Nil means zero.
	MinLiquidity *big.Int
	// MaxAge bounds the push report age, compared in whole seconds.
	MaxAge time.Duration
	// MaxPercentDeviation bounds |twap-push| as a percentage of push.
	MaxPercentDeviation uint64
	// Window overrides the engine's observation window when non-zero.
	Window twap.Window
}

// Gate names one of the AMM acceptance checks.
type Gate string

const (
	GateLiquidity Gate = "liquidity"
	GateFreshness Gate = "freshness"
	GateDeviation Gate = "deviation"
)

// GateReport records the outcome of each gate.
type GateReport struct {
	Liquidity bool `json:"liquidity"`
	Freshness bool `json:"freshness"`
	Deviation bool `json:"deviation"`
}

// Passed reports whether every gate held.
func (g GateReport) Passed() bool {
	return g.Liquidity && g.Freshness && g.Deviation
}

// Failures lists failed gates in evaluation order.
func (g GateReport) Failures() []Gate {
	var out []Gate
	if !g.Liquidity {
		out = append(out, GateLiquidity)
	}
	if !g.Freshness {
		out = append(out, GateFreshness)
	}
	if !g.Deviation {
		out = append(out, GateDeviation)
	}
	return out
}

// FirstFailure returns the first failed gate, or "" when all passed.
func (g GateReport) FirstFailure() Gate {
	if f := g.Failures(); len(f) > 0 {
		return f[0]
	}
	return ""
}

// Decision is a Result together with the inputs that produced it.
type Decision struct {
	QueryID    registry.QueryID
	Pool       common.Address
	Result     Result
	Push       PushValue
	Twap       twap.Sample
	Gates      GateReport
	Thresholds Thresholds
	AgeSeconds int64
	DecidedAt  time.Time
}

// DeviationPct is |twap-push| / push * 100. It is informational; the gate
// itself uses integer cross-multiplication.
func (d Decision) DeviationPct() decimal.Decimal {
	if d.Push.Value == nil || d.Push.Value.Sign() == 0 || d.Twap.AveragePrice == nil {
		return decimal.Zero
	}
	push := decimal.NewFromBigInt(d.Push.Value, 0)
	amm := decimal.NewFromBigInt(d.Twap.AveragePrice, 0)
	return amm.Sub(push).Abs().Div(push).Mul(decimal.NewFromInt(100))
}
