// Package config loads the ingestion settings from a YAML file with
// environment-variable overrides and validated defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config enumerates every knob the ingestion core accepts.
type Config struct {
	Symbol                   string        `yaml:"symbol" env:"MINUTELAKE_SYMBOL"`
	RootDir                  string        `yaml:"root_dir" env:"MINUTELAKE_ROOT_DIR"`
	StateDB                  string        `yaml:"state_db" env:"MINUTELAKE_STATE_DB"`
	VisionBaseURL            string        `yaml:"vision_base_url" env:"MINUTELAKE_VISION_BASE_URL"`
	RESTBaseURL              string        `yaml:"rest_base_url" env:"MINUTELAKE_REST_BASE_URL"`
	SafetyLagMinutes         int           `yaml:"safety_lag_minutes" env:"MINUTELAKE_SAFETY_LAG_MINUTES"`
	BootstrapLookbackMinutes int           `yaml:"bootstrap_lookback_minutes" env:"MINUTELAKE_BOOTSTRAP_LOOKBACK_MINUTES"`
	WarmDays                 int           `yaml:"warm_days" env:"MINUTELAKE_WARM_DAYS"`
	MaxFfillMinutes          int           `yaml:"max_ffill_minutes" env:"MINUTELAKE_MAX_FFILL_MINUTES"`
	RESTRetries              int           `yaml:"rest_retries" env:"MINUTELAKE_REST_RETRIES"`
	HTTPTimeout              time.Duration `yaml:"http_timeout" env:"MINUTELAKE_HTTP_TIMEOUT"`
	IncludeAggTrades         bool          `yaml:"include_agg_trades" env:"MINUTELAKE_INCLUDE_AGG_TRADES"`
	LogLevel                 string        `yaml:"log_level" env:"MINUTELAKE_LOG_LEVEL"`
}

// Default returns the baseline configuration for BTCUSDT UM futures.
func Default() Config {
	return Config{
		Symbol:                   "BTCUSDT",
		RootDir:                  "./lake",
		StateDB:                  "./state/minutelake.sqlite",
		VisionBaseURL:            "https://data.binance.vision/data/futures/um/daily",
		RESTBaseURL:              "https://fapi.binance.com",
		SafetyLagMinutes:         2,
		BootstrapLookbackMinutes: 180,
		WarmDays:                 2,
		MaxFfillMinutes:          60,
		RESTRetries:              3,
		HTTPTimeout:              20 * time.Second,
		IncludeAggTrades:         false,
		LogLevel:                 "info",
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, fills defaults and validates the result.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return cfg, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MINUTELAKE_SYMBOL"); v != "" {
		cfg.Symbol = v
	}
	if v := os.Getenv("MINUTELAKE_ROOT_DIR"); v != "" {
		cfg.RootDir = v
	}
	if v := os.Getenv("MINUTELAKE_STATE_DB"); v != "" {
		cfg.StateDB = v
	}
	if v := os.Getenv("MINUTELAKE_VISION_BASE_URL"); v != "" {
		cfg.VisionBaseURL = v
	}
	if v := os.Getenv("MINUTELAKE_REST_BASE_URL"); v != "" {
		cfg.RESTBaseURL = v
	}
	if v := os.Getenv("MINUTELAKE_SAFETY_LAG_MINUTES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.SafetyLagMinutes = parsed
		}
	}
	if v := os.Getenv("MINUTELAKE_BOOTSTRAP_LOOKBACK_MINUTES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.BootstrapLookbackMinutes = parsed
		}
	}
	if v := os.Getenv("MINUTELAKE_WARM_DAYS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.WarmDays = parsed
		}
	}
	if v := os.Getenv("MINUTELAKE_MAX_FFILL_MINUTES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.MaxFfillMinutes = parsed
		}
	}
	if v := os.Getenv("MINUTELAKE_REST_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RESTRetries = parsed
		}
	}
	if v := os.Getenv("MINUTELAKE_HTTP_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = parsed
		}
	}
	if v := os.Getenv("MINUTELAKE_INCLUDE_AGG_TRADES"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.IncludeAggTrades = parsed
		}
	}
	if v := os.Getenv("MINUTELAKE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.StateDB == "" {
		return fmt.Errorf("state_db is required")
	}
	if c.VisionBaseURL == "" {
		return fmt.Errorf("vision_base_url is required")
	}
	if c.RESTBaseURL == "" {
		return fmt.Errorf("rest_base_url is required")
	}
	if c.SafetyLagMinutes < 0 {
		return fmt.Errorf("safety_lag_minutes cannot be negative")
	}
	if c.BootstrapLookbackMinutes <= 0 {
		return fmt.Errorf("bootstrap_lookback_minutes must be positive")
	}
	if c.WarmDays < 0 {
		return fmt.Errorf("warm_days cannot be negative")
	}
	if c.MaxFfillMinutes < 0 {
		return fmt.Errorf("max_ffill_minutes cannot be negative")
	}
	if c.RESTRetries <= 0 {
		return fmt.Errorf("rest_retries must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	return nil
}
