// Package config loads the exchange simulator's JSON configuration via
// Viper, with environment-variable overrides (EXCHANGE_SIM_* prefix).
//
// Grounded on original_source's config.py Config/ServerConfig/
// ExchangeConfig/PricingModelConfig/FailuresConfig/FailureMode/
// LatencyConfig dataclasses; the schema and defaults mirror those exactly.
// The loader itself stays thin glue per spec.md's framing of the config
// file as a trivial external collaborator - only the library backing it
// changes.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Failures FailuresConfig `mapstructure:"failures"`
}

// ServerConfig configures the HTTP/WS listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// PricingModelConfig configures the stochastic price model for a symbol.
type PricingModelConfig struct {
	Type       string  `mapstructure:"type"` // "gbm", "random_walk", or "trend"
	Drift      float64 `mapstructure:"drift"`
	Volatility float64 `mapstructure:"volatility"`
}

// ExchangeConfig configures the tradable symbols and their price processes.
type ExchangeConfig struct {
	Symbols           []string                      `mapstructure:"symbols"`
	InitialPrices     map[string]float64             `mapstructure:"initial_prices"`
	TickIntervalMs    int                            `mapstructure:"tick_interval_ms"`
	DefaultBalance    float64                        `mapstructure:"default_balance"`
	QuoteCurrency     string                         `mapstructure:"quote_currency"`
	PricingModel      PricingModelConfig             `mapstructure:"pricing_model"`
	PricingModelBySym map[string]PricingModelConfig  `mapstructure:"pricing_model_by_symbol"`
	PriceHistoryCap   int                            `mapstructure:"price_history_capacity"`
}

// LatencyConfig selects the named Latency fault preset.
type LatencyConfig struct {
	Mode string `mapstructure:"mode"` // "stable" or "typical"
}

// FailureMode configures one of the non-latency fault strategies.
type FailureMode struct {
	Enabled     bool    `mapstructure:"enabled"`
	Probability float64 `mapstructure:"probability"`
	MinMs       int     `mapstructure:"min_ms"`
	MaxMs       int     `mapstructure:"max_ms"`
	MaxDuplicates int   `mapstructure:"max_duplicates"`
	WindowSize  int     `mapstructure:"window_size"`
	CorruptionLevel float64 `mapstructure:"corruption_level"`
	MaxRPS      int     `mapstructure:"max_rps"`
	AfterN      int     `mapstructure:"after_n"`
}

// FailuresConfig configures the fault-injection pipeline and rate limiter.
type FailuresConfig struct {
	Enabled bool                   `mapstructure:"enabled"`
	Latency LatencyConfig          `mapstructure:"latency"`
	Modes   map[string]FailureMode `mapstructure:"modes"`

	RateLimitBaselineRPS        int `mapstructure:"rate_limit_baseline_rps"`
	RateLimitWaitSeconds        int `mapstructure:"rate_limit_wait_seconds"`
	RateLimitSecondBanSeconds   int `mapstructure:"rate_limit_second_ban_seconds"`
	RateLimitViolationWindowSec int `mapstructure:"rate_limit_violation_window_seconds"`
}

// Default returns the built-in defaults, applied before a config file is
// merged in.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Exchange: ExchangeConfig{
			Symbols:        []string{"BTC-USD"},
			InitialPrices:  map[string]float64{"BTC-USD": 50000.0},
			TickIntervalMs: 1000,
			DefaultBalance: 100000.0,
			QuoteCurrency:  "USD",
			PricingModel: PricingModelConfig{
				Type:       "gbm",
				Drift:      0.0,
				Volatility: 0.6,
			},
			PriceHistoryCap: 10000,
		},
		Failures: FailuresConfig{
			Enabled: false,
			Latency: LatencyConfig{Mode: "typical"},
			Modes:   map[string]FailureMode{},

			RateLimitBaselineRPS:        10,
			RateLimitWaitSeconds:        10,
			RateLimitSecondBanSeconds:   60,
			RateLimitViolationWindowSec: 60,
		},
	}
}

// Load reads a JSON config file at path, merges it over the defaults, and
// applies EXCHANGE_SIM_* environment variable overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("EXCHANGE_SIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	setDefaults(v, defaults)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("exchange.symbols", d.Exchange.Symbols)
	v.SetDefault("exchange.initial_prices", d.Exchange.InitialPrices)
	v.SetDefault("exchange.tick_interval_ms", d.Exchange.TickIntervalMs)
	v.SetDefault("exchange.default_balance", d.Exchange.DefaultBalance)
	v.SetDefault("exchange.quote_currency", d.Exchange.QuoteCurrency)
	v.SetDefault("exchange.pricing_model.type", d.Exchange.PricingModel.Type)
	v.SetDefault("exchange.pricing_model.drift", d.Exchange.PricingModel.Drift)
	v.SetDefault("exchange.pricing_model.volatility", d.Exchange.PricingModel.Volatility)
	v.SetDefault("exchange.price_history_capacity", d.Exchange.PriceHistoryCap)
	v.SetDefault("failures.enabled", d.Failures.Enabled)
	v.SetDefault("failures.latency.mode", d.Failures.Latency.Mode)
	v.SetDefault("failures.rate_limit_baseline_rps", d.Failures.RateLimitBaselineRPS)
	v.SetDefault("failures.rate_limit_wait_seconds", d.Failures.RateLimitWaitSeconds)
	v.SetDefault("failures.rate_limit_second_ban_seconds", d.Failures.RateLimitSecondBanSeconds)
	v.SetDefault("failures.rate_limit_violation_window_seconds", d.Failures.RateLimitViolationWindowSec)
}
