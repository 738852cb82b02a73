package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/twap"
)

var (
	pool     = common.HexToAddress("0x04916039b1f59d9745bf6e0a21f191d1e0a84287")
	fixedNow = time.Unix(1_700_000_000, 0)
)

type stubPush map[registry.QueryID]arbiter.PushValue

func (s stubPush) Latest(_ context.Context, id registry.QueryID) (arbiter.PushValue, bool, error) {
	v, ok := s[id]
	return v, ok, nil
}

type stubSampler struct {
	sample  twap.Sample
	err     error
	windows []twap.Window
}

func (s *stubSampler) Sample(_ context.Context, _ common.Address, w twap.Window) (twap.Sample, error) {
	s.windows = append(s.windows, w)
	if s.err != nil {
		return twap.Sample{}, s.err
	}
	out := s.sample
	out.Window = w
	return out, nil
}

func newTestServer(t *testing.T, sampler *stubSampler) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg, err := registry.New([]registry.QueryID{1, 2}, []common.Address{pool, pool})
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	push := stubPush{1: {Value: big.NewInt(105702711121), Timestamp: uint64(fixedNow.Add(-time.Hour).Unix())}}
	engine, err := arbiter.New(reg, push, sampler,
		arbiter.WithClock(func() time.Time { return fixedNow }),
		arbiter.WithMetrics(arbiter.NewMetrics(promReg, "fallback_oracle")),
	)
	require.NoError(t, err)

	liquidity, _ := new(big.Int).SetString("242005866247579280920", 10)
	srv := NewServer(engine, Options{
		Defaults: arbiter.Thresholds{
			MinLiquidity:        liquidity,
			MaxAge:              300000 * time.Second,
			MaxPercentDeviation: 20,
		},
		PriceDecimals: 8,
		Gatherer:      promReg,
	}, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, promReg
}

func defaultSampler() *stubSampler {
	liquidity, _ := new(big.Int).SetString("242005866247579280920", 10)
	return &stubSampler{sample: twap.Sample{AveragePrice: big.NewInt(116272982233), CurrentLiquidity: liquidity}}
}

func get(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestFeeds(t *testing.T) {
	ts, _ := newTestServer(t, defaultSampler())

	status, body := get(t, ts.URL+"/v1/feeds")
	require.Equal(t, http.StatusOK, status)
	feeds := body["feeds"].([]interface{})
	require.Len(t, feeds, 2)
	assert.Equal(t, "1", feeds[0].(map[string]interface{})["id"])
}

func TestPool(t *testing.T) {
	ts, _ := newTestServer(t, defaultSampler())

	status, body := get(t, ts.URL+"/v1/feeds/1/pool")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, pool.Hex(), body["pool"])

	status, body = get(t, ts.URL+"/v1/feeds/9/pool")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, ErrCodeUnknownFeed, errorCode(body))
}

func TestPriceUsesDefaults(t *testing.T) {
	ts, _ := newTestServer(t, defaultSampler())

	status, body := get(t, ts.URL+"/v1/feeds/1/price")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "amm", body["source_name"])
	assert.Equal(t, float64(1), body["source"])
	assert.Equal(t, "116272982233", body["value"])
	assert.Equal(t, "1162.72982233", body["display_value"])
	assert.Equal(t, float64(fixedNow.Unix()), body["timestamp"])
	assert.Equal(t, float64(3600), body["age_seconds"])
}

func TestPriceOverrides(t *testing.T) {
	ts, _ := newTestServer(t, defaultSampler())

	cases := []struct {
		name  string
		query string
		src   string
	}{
		{"liquidity above pool", "min_liquidity=342005866247579280920", "push"},
		{"liquidity equal to pool", "min_liquidity=242005866247579280920", "amm"},
		{"tight deviation", "max_deviation=3", "push"},
		{"loose deviation", "max_deviation=11", "amm"},
		{"stale seconds", "max_age=300", "push"},
		{"stale duration", "max_age=5m", "push"},
		{"fresh", "max_age=300000", "amm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := get(t, ts.URL+"/v1/feeds/1/price?"+tc.query)
			require.Equal(t, http.StatusOK, status)
			assert.Equal(t, tc.src, body["source_name"])
			if tc.src == "push" {
				assert.Equal(t, "105702711121", body["value"])
			}
		})
	}
}

func TestPriceWindowOverride(t *testing.T) {
	sampler := defaultSampler()
	ts, _ := newTestServer(t, sampler)

	status, body := get(t, ts.URL+"/v1/feeds/1/price?window_start=600&window_end=60")
	require.Equal(t, http.StatusOK, status)
	window := body["window"].(map[string]interface{})
	assert.Equal(t, float64(600), window["seconds_ago_start"])
	assert.Equal(t, twap.Window{SecondsAgoStart: 600, SecondsAgoEnd: 60}, sampler.windows[len(sampler.windows)-1])
}

func TestPriceErrors(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		err    error
		status int
		code   string
	}{
		{"bad id", "/v1/feeds/abc/price", nil, http.StatusBadRequest, ErrCodeInvalidInput},
		{"unknown feed", "/v1/feeds/9/price", nil, http.StatusNotFound, ErrCodeUnknownFeed},
		{"no reference", "/v1/feeds/2/price", nil, http.StatusFailedDependency, ErrCodeNoReferenceData},
		{"bad liquidity", "/v1/feeds/1/price?min_liquidity=-5", nil, http.StatusBadRequest, ErrCodeInvalidInput},
		{"bad deviation", "/v1/feeds/1/price?max_deviation=x", nil, http.StatusBadRequest, ErrCodeInvalidInput},
		{"bad age", "/v1/feeds/1/price?max_age=soon", nil, http.StatusBadRequest, ErrCodeInvalidInput},
		{"inverted window", "/v1/feeds/1/price?window_start=10&window_end=20", nil, http.StatusBadRequest, ErrCodeInvalidInput},
		{"history", "/v1/feeds/1/price", twap.ErrInsufficientObservationHistory, http.StatusConflict, ErrCodeInsufficientData},
		{"rpc", "/v1/feeds/1/price", errors.New("dial tcp: refused"), http.StatusBadGateway, ErrCodeUpstreamFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sampler := defaultSampler()
			sampler.err = tc.err
			ts, _ := newTestServer(t, sampler)

			status, body := get(t, ts.URL+tc.path)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, errorCode(body))
		})
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, defaultSampler())

	status, body := get(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["feeds"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, defaultSampler())
	_, _ = get(t, ts.URL+"/v1/feeds/1/price")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "fallback_oracle_arbiter_decisions_total")
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, defaultSampler())

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/feeds", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
