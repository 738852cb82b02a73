package arbiter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/twap"
)

const feedID registry.QueryID = 1

var (
	feedPool = common.HexToAddress("0x04916039b1f59d9745bf6e0a21f191d1e0a84287")
	fixedNow = time.Unix(1_700_000_000, 0)
)

type fakePush struct {
	values map[registry.QueryID]PushValue
	err    error
	calls  atomic.Int32
}

func (f *fakePush) Latest(_ context.Context, id registry.QueryID) (PushValue, bool, error) {
	f.calls.Add(1)
	if f.err != nil {
		return PushValue{}, false, f.err
	}
	v, ok := f.values[id]
	return v, ok, nil
}

type fakeAMM struct {
	mu      sync.Mutex
	sample  twap.Sample
	err     error
	windows []twap.Window
}

func (f *fakeAMM) Sample(_ context.Context, _ common.Address, w twap.Window) (twap.Sample, error) {
	f.mu.Lock()
	f.windows = append(f.windows, w)
	f.mu.Unlock()
	if f.err != nil {
		return twap.Sample{}, f.err
	}
	return f.sample, nil
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return v
}

type fixture struct {
	push   *fakePush
	amm    *fakeAMM
	engine *Engine
}

// newFixture seeds a push report one hour old and a pool whose TWAP sits
// 10% above it with liquidity 242005866247579280920.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg, err := registry.New([]registry.QueryID{feedID}, []common.Address{feedPool})
	require.NoError(t, err)

	push := &fakePush{values: map[registry.QueryID]PushValue{
		feedID: {Value: mustBig(t, "105702711121"), Timestamp: uint64(fixedNow.Add(-time.Hour).Unix())},
	}}
	amm := &fakeAMM{sample: twap.Sample{
		AveragePrice:     mustBig(t, "116272982233"),
		CurrentLiquidity: mustBig(t, "242005866247579280920"),
	}}

	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithLogger(zerolog.Nop())}, opts...)
	engine, err := New(reg, push, amm, opts...)
	require.NoError(t, err)
	return &fixture{push: push, amm: amm, engine: engine}
}

func passing(t *testing.T) Thresholds {
	return Thresholds{
		MinLiquidity:        big.NewInt(100),
		MaxAge:              300000 * time.Second,
		MaxPercentDeviation: 20,
	}
}

func (f *fixture) decide(t *testing.T, th Thresholds) Result {
	t.Helper()
	res, err := f.engine.Decide(context.Background(), feedID, th)
	require.NoError(t, err)
	return res
}

func (f *fixture) pushFallback() Result {
	p := f.push.values[feedID]
	return Result{Value: p.Value, Timestamp: p.Timestamp, Source: SourcePush}
}

func TestDecideAllGatesPass(t *testing.T) {
	f := newFixture(t)
	res := f.decide(t, passing(t))
	assert.Equal(t, SourceAMM, res.Source)
	assert.Equal(t, "116272982233", res.Value.String())
	assert.Equal(t, uint64(fixedNow.Unix()), res.Timestamp)
}

func TestLiquidityGate(t *testing.T) {
	cases := []struct {
		name string
		min  string
		want Source
	}{
		{"below", "100", SourceAMM},
		{"equal", "242005866247579280920", SourceAMM},
		{"above", "342005866247579280920", SourcePush},
		{"one above", "242005866247579280921", SourcePush},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			th := passing(t)
			th.MinLiquidity = mustBig(t, tc.min)
			assert.Equal(t, tc.want, f.decide(t, th).Source)
		})
	}
}

func TestFreshnessGate(t *testing.T) {
	cases := []struct {
		name   string
		maxAge time.Duration
		want   Source
	}{
		{"too strict", 300 * time.Second, SourcePush},
		{"one second short", 3599 * time.Second, SourcePush},
		{"exact age", time.Hour, SourceAMM},
		{"generous", 300000 * time.Second, SourceAMM},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			th := passing(t)
			th.MaxAge = tc.maxAge
			assert.Equal(t, tc.want, f.decide(t, th).Source)
		})
	}
}

func TestDeviationGate(t *testing.T) {
	cases := []struct {
		name   string
		maxPct uint64
		want   Source
	}{
		{"three percent", 3, SourcePush},
		{"nine percent", 9, SourcePush},
		{"eleven percent", 11, SourceAMM},
		{"twenty percent", 20, SourceAMM},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			th := passing(t)
			th.MaxPercentDeviation = tc.maxPct
			assert.Equal(t, tc.want, f.decide(t, th).Source)
		})
	}
}

func TestDeviationGateBoundaryInclusive(t *testing.T) {
	assert.True(t, deviationOK(big.NewInt(1100), big.NewInt(1000), 10))
	assert.False(t, deviationOK(big.NewInt(1100), big.NewInt(1000), 9))
	assert.True(t, deviationOK(big.NewInt(900), big.NewInt(1000), 10))
	assert.False(t, deviationOK(big.NewInt(899), big.NewInt(1000), 10))
	assert.True(t, deviationOK(big.NewInt(0), big.NewInt(0), 0))
	assert.False(t, deviationOK(big.NewInt(1), big.NewInt(0), 100))
}

func TestFallbackTotality(t *testing.T) {
	breakers := map[Gate]func(*Thresholds){
		GateLiquidity: func(th *Thresholds) { th.MinLiquidity = new(big.Int).Lsh(big.NewInt(1), 100) },
		GateFreshness: func(th *Thresholds) { th.MaxAge = time.Second },
		GateDeviation: func(th *Thresholds) { th.MaxPercentDeviation = 0 },
	}
	for gate, breakGate := range breakers {
		t.Run(string(gate), func(t *testing.T) {
			f := newFixture(t)
			th := passing(t)
			breakGate(&th)

			d, err := f.engine.Evaluate(context.Background(), feedID, th)
			require.NoError(t, err)
			assert.Equal(t, f.pushFallback(), d.Result)
			assert.Equal(t, gate, d.Gates.FirstFailure())
			assert.Equal(t, []Gate{gate}, d.Gates.Failures())
		})
	}
}

func TestDecideIdempotent(t *testing.T) {
	f := newFixture(t)
	th := passing(t)
	first := f.decide(t, th)
	second := f.decide(t, th)
	assert.Equal(t, first, second)

	th.MaxPercentDeviation = 1
	assert.Equal(t, f.decide(t, th), f.decide(t, th))
}

func TestDecideDoesNotAliasInputs(t *testing.T) {
	f := newFixture(t)
	res := f.decide(t, passing(t))
	res.Value.SetInt64(0)
	assert.Equal(t, "116272982233", f.amm.sample.AveragePrice.String())
}

func TestDecideConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	strict := passing(t)
	strict.MaxPercentDeviation = 3
	loose := passing(t)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := f.engine.Decide(context.Background(), feedID, strict)
			if err != nil || res.Source != SourcePush {
				errs <- errors.New("strict caller should get push")
			}
		}()
		go func() {
			defer wg.Done()
			res, err := f.engine.Decide(context.Background(), feedID, loose)
			if err != nil || res.Source != SourceAMM {
				errs <- errors.New("loose caller should get amm")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestDecideUnknownIdentifier(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Decide(context.Background(), 99, passing(t))
	require.ErrorIs(t, err, registry.ErrUnknownIdentifier)
	assert.Equal(t, int32(0), f.push.calls.Load())
}

func TestDecideNoReferenceData(t *testing.T) {
	f := newFixture(t)
	delete(f.push.values, feedID)

	_, err := f.engine.Decide(context.Background(), feedID, passing(t))
	require.ErrorIs(t, err, ErrNoReferenceData)
	assert.Empty(t, f.amm.windows, "twap must not be sampled without a reference")
}

func TestDecideNilPushValue(t *testing.T) {
	f := newFixture(t)
	f.push.values[feedID] = PushValue{Timestamp: 1}

	require.NotPanics(t, func() {
		_, err := f.engine.Decide(context.Background(), feedID, passing(t))
		require.ErrorIs(t, err, ErrNoReferenceData)
	})
	assert.Empty(t, f.amm.windows)
}

func TestDecidePropagatesReadErrors(t *testing.T) {
	f := newFixture(t)
	f.amm.err = twap.ErrInsufficientObservationHistory
	_, err := f.engine.Decide(context.Background(), feedID, passing(t))
	require.ErrorIs(t, err, twap.ErrInsufficientObservationHistory)

	f = newFixture(t)
	boom := errors.New("rpc down")
	f.push.err = boom
	_, err = f.engine.Decide(context.Background(), feedID, passing(t))
	require.ErrorIs(t, err, boom)
}

func TestDecideWindowSelection(t *testing.T) {
	custom := twap.Window{SecondsAgoStart: 600, SecondsAgoEnd: 60}
	f := newFixture(t, WithWindow(twap.Window{SecondsAgoStart: 900}))

	f.decide(t, passing(t))
	th := passing(t)
	th.Window = custom
	f.decide(t, th)

	assert.Equal(t, []twap.Window{{SecondsAgoStart: 900}, custom}, f.amm.windows)
	assert.Equal(t, twap.Window{SecondsAgoStart: 900}, f.engine.Window())
}

func TestNewRejectsInvalidWindow(t *testing.T) {
	reg, err := registry.New(nil, nil)
	require.NoError(t, err)
	_, err = New(reg, &fakePush{}, &fakeAMM{}, WithWindow(twap.Window{SecondsAgoStart: 5, SecondsAgoEnd: 10}))
	require.ErrorIs(t, err, twap.ErrInvalidWindow)

	_, err = New(nil, &fakePush{}, &fakeAMM{})
	require.Error(t, err)
}

func TestEvaluateDiagnostics(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Evaluate(context.Background(), feedID, passing(t))
	require.NoError(t, err)
	assert.Equal(t, feedPool, d.Pool)
	assert.Equal(t, int64(3600), d.AgeSeconds)
	assert.True(t, d.Gates.Passed())
	assert.Equal(t, Gate(""), d.Gates.FirstFailure())
	assert.Equal(t, "10.000", d.DeviationPct().StringFixed(3))
}

func TestPoolReference(t *testing.T) {
	f := newFixture(t)
	got, err := f.engine.PoolReference(feedID)
	require.NoError(t, err)
	assert.Equal(t, feedPool, got)
	assert.Len(t, f.engine.Feeds(), 1)
}

func TestMetricsRecordDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	f := newFixture(t, WithMetrics(m))

	f.decide(t, passing(t))
	th := passing(t)
	th.MaxAge = time.Second
	f.decide(t, th)
	_, err := f.engine.Decide(context.Background(), 42, th)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("1", "amm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("1", "push")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateFailures.WithLabelValues("1", "freshness")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("unknown_identifier")))
}

func TestSourceEncoding(t *testing.T) {
	assert.Equal(t, uint8(1), uint8(SourceAMM))
	assert.Equal(t, uint8(2), uint8(SourcePush))
	assert.Equal(t, "amm", SourceAMM.String())
	assert.Equal(t, "push", SourcePush.String())
}
