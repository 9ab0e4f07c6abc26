// Package config loads the paper engine's configuration from an optional
// YAML file, a .env file and environment variables, in that order of
// increasing priority.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/model"
)

// Config is the top-level configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Trading   Trading   `yaml:"trading"`
	Scheduler Scheduler `yaml:"scheduler"`
	Quotes    Quotes    `yaml:"quotes"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Redis     Redis     `yaml:"redis"`
	Postgres  Postgres  `yaml:"postgres"`
	Kafka     Kafka     `yaml:"kafka"`
	Events    Events    `yaml:"events"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Trading holds commission and risk parameters. Fractions are given as
// decimals (0.10 = 10%).
type Trading struct {
	CommissionRate      float64 `yaml:"commission_rate"`
	MinCommission       float64 `yaml:"min_commission"`
	MinNotional         float64 `yaml:"min_notional"`
	MaxPositionFraction float64 `yaml:"max_position_fraction"`
	StopLossThreshold   float64 `yaml:"stop_loss_threshold"`
	Currency            string  `yaml:"currency"`
}

// Scheduler holds the background sweep intervals.
type Scheduler struct {
	PendingInterval time.Duration `yaml:"pending_interval"`
	RiskInterval    time.Duration `yaml:"risk_interval"`
}

// Quotes configures the price oracle chain.
type Quotes struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout"`
	// Seed prices for the static oracle used when no market data
	// credentials are configured.
	Seed map[string]float64 `yaml:"seed"`
}

// Alpaca holds market-data credentials.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Redis enables the shared quote cache when URL is set.
type Redis struct {
	URL string `yaml:"url"`
}

// Postgres enables the trade journal when URL is set.
type Postgres struct {
	URL string `yaml:"url"`
}

// Kafka enables event publishing when Brokers is non-empty.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Events configures the dispatcher.
type Events struct {
	Buffer int `yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: Trading{
			CommissionRate:      0.001,
			MinCommission:       1,
			MinNotional:         1,
			MaxPositionFraction: 0.10,
			StopLossThreshold:   0.05,
			Currency:            "USD",
		},
		Scheduler: Scheduler{
			PendingInterval: 5 * time.Second,
			RiskInterval:    30 * time.Second,
		},
		Quotes: Quotes{
			CacheTTL: 60 * time.Second,
			Timeout:  3 * time.Second,
			Seed: map[string]float64{
				"AAPL":    190,
				"MSFT":    420,
				"GOOGL":   170,
				"AMZN":    185,
				"BTC-USD": 65000,
			},
		},
		Kafka:  Kafka{Topic: "paper.events"},
		Events: Events{Buffer: 1024},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then .env and environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = getEnvAsInt("PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Trading.CommissionRate = getEnvAsFloat("COMMISSION_RATE", cfg.Trading.CommissionRate)
	cfg.Trading.MinCommission = getEnvAsFloat("MIN_COMMISSION", cfg.Trading.MinCommission)
	cfg.Trading.MinNotional = getEnvAsFloat("MIN_NOTIONAL", cfg.Trading.MinNotional)
	cfg.Trading.MaxPositionFraction = getEnvAsFloat("MAX_POSITION_FRACTION", cfg.Trading.MaxPositionFraction)
	cfg.Trading.StopLossThreshold = getEnvAsFloat("STOP_LOSS_THRESHOLD", cfg.Trading.StopLossThreshold)
	cfg.Trading.Currency = getEnv("DEFAULT_CURRENCY", cfg.Trading.Currency)

	cfg.Scheduler.PendingInterval = getEnvAsDuration("PENDING_INTERVAL", cfg.Scheduler.PendingInterval)
	cfg.Scheduler.RiskInterval = getEnvAsDuration("RISK_INTERVAL", cfg.Scheduler.RiskInterval)

	cfg.Quotes.CacheTTL = getEnvAsDuration("QUOTE_CACHE_TTL", cfg.Quotes.CacheTTL)
	cfg.Quotes.Timeout = getEnvAsDuration("QUOTE_TIMEOUT", cfg.Quotes.Timeout)

	cfg.Alpaca.APIKey = getEnv("ALPACA_API_KEY", cfg.Alpaca.APIKey)
	cfg.Alpaca.APISecret = getEnv("ALPACA_API_SECRET", cfg.Alpaca.APISecret)
	cfg.Alpaca.DataURL = getEnv("ALPACA_DATA_URL", cfg.Alpaca.DataURL)
	// Standard Alpaca env vars take priority.
	cfg.Alpaca.APIKey = getEnv("APCA_API_KEY_ID", cfg.Alpaca.APIKey)
	cfg.Alpaca.APISecret = getEnv("APCA_API_SECRET_KEY", cfg.Alpaca.APISecret)

	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Postgres.URL = getEnv("DATABASE_URL", cfg.Postgres.URL)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Events.Buffer = getEnvAsInt("EVENT_BUFFER", cfg.Events.Buffer)
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Trading.CommissionRate < 0 || c.Trading.MinCommission < 0 || c.Trading.MinNotional < 0 {
		errs = append(errs, errors.New("commission and minimum notional must not be negative"))
	}
	if c.Trading.MaxPositionFraction <= 0 || c.Trading.MaxPositionFraction > 1 {
		errs = append(errs, fmt.Errorf("max position fraction %v must be in (0, 1]", c.Trading.MaxPositionFraction))
	}
	if c.Trading.StopLossThreshold <= 0 || c.Trading.StopLossThreshold >= 1 {
		errs = append(errs, fmt.Errorf("stop-loss threshold %v must be in (0, 1)", c.Trading.StopLossThreshold))
	}
	if c.Scheduler.PendingInterval <= 0 || c.Scheduler.RiskInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if c.Quotes.CacheTTL <= 0 || c.Quotes.Timeout <= 0 {
		errs = append(errs, errors.New("quote cache TTL and timeout must be positive"))
	}
	if (c.Alpaca.APIKey == "") != (c.Alpaca.APISecret == "") {
		errs = append(errs, errors.New("alpaca api key and secret must be set together"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Engine converts the trading section into engine parameters.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		CommissionRate:  decimal.NewFromFloat(c.Trading.CommissionRate),
		MinCommission:   decimal.NewFromFloat(c.Trading.MinCommission),
		MinNotional:     decimal.NewFromFloat(c.Trading.MinNotional),
		DefaultCurrency: c.Trading.Currency,
		DefaultRisk: model.RiskSettings{
			MaxPositionFraction: decimal.NewFromFloat(c.Trading.MaxPositionFraction),
			StopLossThreshold:   decimal.NewFromFloat(c.Trading.StopLossThreshold),
		},
	}
}

// SeedPrices returns the static oracle seed as decimals.
func (c *Config) SeedPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Quotes.Seed))
	for sym, p := range c.Quotes.Seed {
		out[strings.ToUpper(sym)] = decimal.NewFromFloat(p)
	}
	return out
}

// NewLogger creates a structured logger writing to w at the configured
// level. Format "text" selects the text handler; anything else is JSON.
func (l Logging) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
