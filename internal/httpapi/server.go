// Package httpapi serves arbitrated prices and feed bindings over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/twap"
)

// Error codes returned in the JSON error envelope.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnknownFeed      = "UNKNOWN_FEED"
	ErrCodeNoReferenceData  = "NO_REFERENCE_DATA"
	ErrCodeInsufficientData = "INSUFFICIENT_HISTORY"
	ErrCodeInvalidWindow    = "INVALID_WINDOW"
	ErrCodeUpstreamFailed   = "UPSTREAM_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Engine is what the API needs from the arbitration engine.
type Engine interface {
	Evaluate(ctx context.Context, id registry.QueryID, th arbiter.Thresholds) (arbiter.Decision, error)
	PoolReference(id registry.QueryID) (common.Address, error)
	Feeds() []registry.Entry
}

// Options configure the server.
type Options struct {
	// Defaults fill in thresholds the request omits.
	Defaults      arbiter.Thresholds
	PriceDecimals uint8
	CORSOrigins   []string
	Gatherer      prometheus.Gatherer
}

// Server routes API requests to the engine.
type Server struct {
	router *mux.Router
	engine Engine
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// NewServer builds the router.
func NewServer(engine Engine, opts Options, logger zerolog.Logger) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router: mux.NewRouter(),
		engine: engine,
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "http").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/feeds", s.handleFeeds()).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/feeds/{id}/pool", s.handlePool()).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/feeds/{id}/price", s.handlePrice()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	return nil
}

type feedResponse struct {
	ID   string `json:"id"`
	Pool string `json:"pool"`
}

type gatesResponse struct {
	Liquidity bool `json:"liquidity"`
	Freshness bool `json:"freshness"`
	Deviation bool `json:"deviation"`
}

type priceResponse struct {
	QueryID      string        `json:"query_id"`
	Pool         string        `json:"pool"`
	Value        string        `json:"value"`
	Display      string        `json:"display_value"`
	Timestamp    uint64        `json:"timestamp"`
	Source       uint8         `json:"source"`
	SourceName   string        `json:"source_name"`
	PushValue    string        `json:"push_value"`
	TwapValue    string        `json:"twap_value"`
	Liquidity    string        `json:"liquidity"`
	DeviationPct string        `json:"deviation_pct"`
	AgeSeconds   int64         `json:"age_seconds"`
	Window       twap.Window   `json:"window"`
	Gates        gatesResponse `json:"gates"`
}

func (s *Server) handleFeeds() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := s.engine.Feeds()
		out := make([]feedResponse, len(entries))
		for i, e := range entries {
			out[i] = feedResponse{ID: e.ID.String(), Pool: e.Pool.Hex()}
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"feeds": out})
	}
}

func (s *Server) handlePool() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.queryID(w, r)
		if !ok {
			return
		}
		pool, err := s.engine.PoolReference(id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, feedResponse{ID: id.String(), Pool: pool.Hex()})
	}
}

func (s *Server) handlePrice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.queryID(w, r)
		if !ok {
			return
		}
		th, err := s.thresholds(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
			return
		}

		d, err := s.engine.Evaluate(r.Context(), id, th)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}

		resp := priceResponse{
			QueryID:      d.QueryID.String(),
			Pool:         d.Pool.Hex(),
			Value:        d.Result.Value.String(),
			Display:      decimal.NewFromBigInt(d.Result.Value, -int32(s.opts.PriceDecimals)).String(),
			Timestamp:    d.Result.Timestamp,
			Source:       uint8(d.Result.Source),
			SourceName:   d.Result.Source.String(),
			PushValue:    d.Push.Value.String(),
			TwapValue:    d.Twap.AveragePrice.String(),
			Liquidity:    d.Twap.CurrentLiquidity.String(),
			DeviationPct: d.DeviationPct().StringFixed(4),
			AgeSeconds:   d.AgeSeconds,
			Window:       d.Twap.Window,
			Gates: gatesResponse{
				Liquidity: d.Gates.Liquidity,
				Freshness: d.Gates.Freshness,
				Deviation: d.Gates.Deviation,
			},
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"feeds":     len(s.engine.Feeds()),
			"timestamp": s.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

func (s *Server) queryID(w http.ResponseWriter, r *http.Request) (registry.QueryID, bool) {
	raw := mux.Vars(r)["id"]
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, fmt.Sprintf("invalid feed id %q", raw))
		return 0, false
	}
	return registry.QueryID(v), true
}

// thresholds overlays query parameters on the configured defaults.
func (s *Server) thresholds(r *http.Request) (arbiter.Thresholds, error) {
	th := s.opts.Defaults
	q := r.URL.Query()

	if raw := q.Get("min_liquidity"); raw != "" {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() < 0 {
			return th, fmt.Errorf("min_liquidity %q must be a non-negative integer", raw)
		}
		th.MinLiquidity = v
	}
	if raw := q.Get("max_age"); raw != "" {
		d, err := parseAge(raw)
		if err != nil {
			return th, err
		}
		th.MaxAge = d
	}
	if raw := q.Get("max_deviation"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return th, fmt.Errorf("max_deviation %q must be a non-negative integer", raw)
		}
		th.MaxPercentDeviation = v
	}

	start, end := q.Get("window_start"), q.Get("window_end")
	if start != "" || end != "" {
		var w twap.Window
		if start != "" {
			v, err := strconv.ParseUint(start, 10, 32)
			if err != nil {
				return th, fmt.Errorf("window_start %q must be seconds", start)
			}
			w.SecondsAgoStart = uint32(v)
		}
		if end != "" {
			v, err := strconv.ParseUint(end, 10, 32)
			if err != nil {
				return th, fmt.Errorf("window_end %q must be seconds", end)
			}
			w.SecondsAgoEnd = uint32(v)
		}
		if err := w.Validate(); err != nil {
			return th, err
		}
		th.Window = w
	}
	return th, nil
}

// parseAge accepts whole seconds or a Go duration string.
func parseAge(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("max_age %q must be seconds or a duration", raw)
	}
	return d, nil
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownIdentifier):
		s.writeError(w, http.StatusNotFound, ErrCodeUnknownFeed, err.Error())
	case errors.Is(err, arbiter.ErrNoReferenceData):
		s.writeError(w, http.StatusFailedDependency, ErrCodeNoReferenceData, err.Error())
	case errors.Is(err, twap.ErrInsufficientObservationHistory):
		s.writeError(w, http.StatusConflict, ErrCodeInsufficientData, err.Error())
	case errors.Is(err, twap.ErrInvalidWindow):
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidWindow, err.Error())
	default:
		s.logger.Error().Err(err).Msg("engine evaluation failed")
		s.writeError(w, http.StatusBadGateway, ErrCodeUpstreamFailed, "failed to read oracle data")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]APIError{"error": {Code: code, Message: message}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	payload, err := sonnet.Marshal(body)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"` + ErrCodeInternalError + `","message":"encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
