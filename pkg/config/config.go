package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Data source kinds.
const (
	SourceMock    = "mock"
	SourceRemote  = "remote"
	SourceBinance = "binance"
)

// Config holds environment-driven settings for the strategy core.
type Config struct {
	Port string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Database
	DBPath string

	// Market data
	DataSource        string // "mock", "remote" or "binance"
	DataSourceURL     string
	DataSourceTimeout time.Duration
	MockSymbols       []string

	// Binance
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool

	// Cache policy
	CacheTTL            time.Duration
	CacheStaleTolerance time.Duration // 0 = serve stale entries of any age
	CacheOnFailure      string        // "stale" or "nil"

	// Scheduler
	NodeID           string // empty = derived from the machine id
	TickInterval     time.Duration
	CandleWindow     int
	DefaultTimeframe string

	// Ledger
	PositionFraction      float64
	DefaultInitialBalance float64

	// Strategy definitions synced at startup
	StrategiesFile string

	// API
	JWTSecret      string
	AuthDisabled   bool
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "json")),
		DBPath:                getEnv("DB_PATH", "./data/strategy-core.db"),
		DataSource:            strings.ToLower(getEnv("DATA_SOURCE", SourceMock)),
		DataSourceURL:         getEnv("DATA_SOURCE_URL", "http://localhost:8000"),
		DataSourceTimeout:     getEnvDuration("DATA_SOURCE_TIMEOUT", 10*time.Second),
		MockSymbols:           splitAndTrim(getEnv("MOCK_SYMBOLS", "BTCUSDT,ETHUSDT")),
		BinanceAPIKey:         os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:      os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:        getEnvBool("BINANCE_TESTNET", false),
		CacheTTL:              getEnvDuration("CACHE_TTL", 30*time.Second),
		CacheStaleTolerance:   getEnvDuration("CACHE_STALE_TOLERANCE", 0),
		CacheOnFailure:        strings.ToLower(getEnv("CACHE_ON_FAILURE", "stale")),
		NodeID:                os.Getenv("NODE_ID"),
		TickInterval:          getEnvDuration("TICK_INTERVAL", 60*time.Second),
		CandleWindow:          getEnvInt("CANDLE_WINDOW", 200),
		DefaultTimeframe:      getEnv("DEFAULT_TIMEFRAME", "1h"),
		PositionFraction:      getEnvFloat("POSITION_FRACTION", 0.10),
		DefaultInitialBalance: getEnvFloat("DEFAULT_INITIAL_BALANCE", 10000),
		StrategiesFile:        getEnv("STRATEGIES_FILE", "strategies.yaml"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		AuthDisabled:          getEnvBool("AUTH_DISABLED", false),
		RateLimitRPS:          getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:        getEnvInt("RATE_LIMIT_BURST", 40),
		CORSOrigins:           splitAndTrim(getEnv("CORS_ORIGINS", "*")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DataSource {
	case SourceMock, SourceRemote, SourceBinance:
	default:
		errs = append(errs, fmt.Errorf("DATA_SOURCE must be mock, remote or binance, got %q", c.DataSource))
	}
	if c.DataSource == SourceRemote && c.DataSourceURL == "" {
		errs = append(errs, errors.New("DATA_SOURCE_URL is required for the remote data source"))
	}
	switch c.CacheOnFailure {
	case "stale", "nil":
	default:
		errs = append(errs, fmt.Errorf("CACHE_ON_FAILURE must be stale or nil, got %q", c.CacheOnFailure))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if c.CacheStaleTolerance < 0 {
		errs = append(errs, errors.New("CACHE_STALE_TOLERANCE must not be negative"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL must be positive"))
	}
	if c.CandleWindow < 2 {
		errs = append(errs, errors.New("CANDLE_WINDOW must be at least 2"))
	}
	if c.PositionFraction <= 0 || c.PositionFraction > 1 {
		errs = append(errs, errors.New("POSITION_FRACTION must be in (0, 1]"))
	}
	if c.DefaultInitialBalance <= 0 {
		errs = append(errs, errors.New("DEFAULT_INITIAL_BALANCE must be positive"))
	}
	if c.JWTSecret == "" && !c.AuthDisabled {
		errs = append(errs, errors.New("JWT_SECRET is required unless AUTH_DISABLED=true"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("45s") or bare seconds ("45").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.Atoi(v); err == nil {
		return time.Duration(s) * time.Second
	}
	return def
}
