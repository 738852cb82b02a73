package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"fallback-oracle/internal/arbiter"
)

// Notification describes a feed that fell back to the push oracle.
type Notification struct {
	QueryID         uint64
	Pool            string
	DecidedAt       time.Time
	PushValue       decimal.Decimal
	TwapValue       decimal.Decimal
	DeviationPct    decimal.Decimal
	MaxDeviationPct uint64
	AgeSeconds      int64
	MaxAge          time.Duration
	Liquidity       decimal.Decimal
	MinLiquidity    decimal.Decimal
	FailedGates     []string
	Channels        []string
	AdditionalMsg   string
}

// FromDecision builds a notification, scaling prices down by priceDecimals.
func FromDecision(d arbiter.Decision, priceDecimals uint8) Notification {
	gates := d.Gates.Failures()
	failed := make([]string, len(gates))
	for i, g := range gates {
		failed[i] = string(g)
	}
	exp := -int32(priceDecimals)
	note := Notification{
		QueryID:         uint64(d.QueryID),
		Pool:            d.Pool.Hex(),
		DecidedAt:       d.DecidedAt,
		DeviationPct:    d.DeviationPct(),
		MaxDeviationPct: d.Thresholds.MaxPercentDeviation,
		AgeSeconds:      d.AgeSeconds,
		MaxAge:          d.Thresholds.MaxAge,
		FailedGates:     failed,
	}
	if d.Push.Value != nil {
		note.PushValue = decimal.NewFromBigInt(d.Push.Value, exp)
	}
	if d.Twap.AveragePrice != nil {
		note.TwapValue = decimal.NewFromBigInt(d.Twap.AveragePrice, exp)
	}
	if d.Twap.CurrentLiquidity != nil {
		note.Liquidity = decimal.NewFromBigInt(d.Twap.CurrentLiquidity, 0)
	}
	if d.Thresholds.MinLiquidity != nil {
		note.MinLiquidity = decimal.NewFromBigInt(d.Thresholds.MinLiquidity, 0)
	}
	return note
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds the Telegram channel.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := sonnet.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := sonnet.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Uint64("query_id", note.QueryID).
		Strs("failed_gates", note.FailedGates).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("fallback alert sent (telegram)")
	return nil
}

// LogNotifier writes notifications to the log. It backs the "log" channel.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds the log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the notification at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Uint64("query_id", note.QueryID).
		Str("pool", note.Pool).
		Strs("failed_gates", note.FailedGates).
		Str("push", note.PushValue.String()).
		Str("twap", note.TwapValue.String()).
		Str("deviation_pct", note.DeviationPct.StringFixed(3)).
		Int64("age_seconds", note.AgeSeconds).
		Msg("feed fell back to push oracle")
	return nil
}

// Fanout delivers to every channel and joins their errors.
type Fanout []Notifier

// Notify calls each notifier in order.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RenderMessage formats the notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Fallback Oracle]\n")
	builder.WriteString(fmt.Sprintf("Feed: %d (pool %s)\n", note.QueryID, note.Pool))
	builder.WriteString(fmt.Sprintf("Decided: %s UTC\n", note.DecidedAt.UTC().Format(time.RFC3339)))
	builder.WriteString("Source: push oracle\n")
	if len(note.FailedGates) > 0 {
		builder.WriteString(fmt.Sprintf("Failed gates: %s\n", strings.Join(note.FailedGates, ",")))
	}
	builder.WriteString(fmt.Sprintf("Push: %s (age %ds, max %s)\n", note.PushValue.String(), note.AgeSeconds, note.MaxAge))
	builder.WriteString(fmt.Sprintf("TWAP: %s\n", note.TwapValue.String()))
	builder.WriteString(fmt.Sprintf("Deviation: %s%% (max %d%%)\n", note.DeviationPct.StringFixed(3), note.MaxDeviationPct))
	builder.WriteString(fmt.Sprintf("Liquidity: %s (min %s)\n", note.Liquidity.String(), note.MinLiquidity.String()))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Fanout(nil)
)
