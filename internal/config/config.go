package config

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/logging"
	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/twap"
)

// EnvPrefix namespaces environment overrides, e.g. FALLBACKORACLE_ETHEREUM_RPC_URL.
const EnvPrefix = "FALLBACKORACLE"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Feeds      []FeedConfig     `mapstructure:"feeds"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OracleConfig locates the push oracle and shapes AMM prices.
type OracleConfig struct {
	TellorAddress string      `mapstructure:"tellor_address"`
	PriceDecimals uint8       `mapstructure:"price_decimals"`
	Window        twap.Window `mapstructure:"window"`
}

// FeedConfig binds a query identifier to its reference pool.
type FeedConfig struct {
	ID   uint64 `mapstructure:"id"`
	Pool string `mapstructure:"pool"`
}

// ThresholdsConfig holds the default gate thresholds. MinLiquidity is a
// decimal string because pool liquidity routinely exceeds uint64.
type ThresholdsConfig struct {
	MinLiquidity    string        `mapstructure:"min_liquidity"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	MaxDeviationPct uint64        `mapstructure:"max_deviation_pct"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines fallback alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HTTPConfig configures the read API.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SnapshotConfig points at the offline sqlite snapshot.
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults. A .env
// file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fallback-oracle")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Keys without a useful default are still registered so AutomaticEnv
	// can override them.
	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("oracle.tellor_address", "")
	v.SetDefault("oracle.price_decimals", 18)
	v.SetDefault("oracle.window.seconds_ago_start", arbiter.DefaultWindow.SecondsAgoStart)
	v.SetDefault("oracle.window.seconds_ago_end", arbiter.DefaultWindow.SecondsAgoEnd)

	v.SetDefault("thresholds.min_liquidity", "0")
	v.SetDefault("thresholds.max_age", "1h")
	v.SetDefault("thresholds.max_deviation_pct", 5)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66626f72))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("snapshot.path", "snapshot.db")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			floatToIntegerStringHook,
		)
	}
}

// floatToIntegerStringHook keeps unquoted YAML integers intact when they land
// in a string field. YAML decodes integers past int64 as float64; only values
// a float64 represents exactly are accepted.
func floatToIntegerStringHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String || (from.Kind() != reflect.Float64 && from.Kind() != reflect.Float32) {
		return data, nil
	}
	f := reflect.ValueOf(data).Float()
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return nil, fmt.Errorf("number %v is not exact in YAML; quote it as a string", f)
	}
	return strconv.FormatFloat(f, 'f', 0, 64), nil
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if err := c.Oracle.Window.Validate(); err != nil {
		return fmt.Errorf("oracle.window: %w", err)
	}
	if c.Oracle.PriceDecimals > 36 {
		return fmt.Errorf("oracle.price_decimals must be at most 36")
	}
	if c.Oracle.TellorAddress != "" && !common.IsHexAddress(c.Oracle.TellorAddress) {
		return fmt.Errorf("oracle.tellor_address %q is not an address", c.Oracle.TellorAddress)
	}
	if _, err := c.Thresholds.MinLiquidityInt(); err != nil {
		return err
	}
	if c.Thresholds.MaxAge < 0 {
		return fmt.Errorf("thresholds.max_age cannot be negative")
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// Registry builds the feed registry from the feeds section.
func (c *Config) Registry() (*registry.Registry, error) {
	entries := make([]registry.Entry, 0, len(c.Feeds))
	for i, f := range c.Feeds {
		if !common.IsHexAddress(f.Pool) {
			return nil, fmt.Errorf("feeds[%d].pool %q is not an address", i, f.Pool)
		}
		entries = append(entries, registry.Entry{ID: registry.QueryID(f.ID), Pool: common.HexToAddress(f.Pool)})
	}
	reg, err := registry.FromEntries(entries)
	if err != nil {
		return nil, fmt.Errorf("feeds: %w", err)
	}
	return reg, nil
}

// MinLiquidityInt parses the configured minimum liquidity.
func (t ThresholdsConfig) MinLiquidityInt() (*big.Int, error) {
	raw := strings.TrimSpace(t.MinLiquidity)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("thresholds.min_liquidity %q must be a non-negative integer (quote large values in YAML)", t.MinLiquidity)
	}
	return v, nil
}

// DefaultThresholds converts the configured defaults into engine thresholds. The
// window is left zero so the engine applies its configured default.
func (c *Config) DefaultThresholds() (arbiter.Thresholds, error) {
	minLiquidity, err := c.Thresholds.MinLiquidityInt()
	if err != nil {
		return arbiter.Thresholds{}, err
	}
	return arbiter.Thresholds{
		MinLiquidity:        minLiquidity,
		MaxAge:              c.Thresholds.MaxAge,
		MaxPercentDeviation: c.Thresholds.MaxDeviationPct,
	}, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
