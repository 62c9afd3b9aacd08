// Package daemon loads configuration and wires the satsjar service.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/satsjar/satsjar/internal/domain"
)

// ConfigFile is the name of the config file inside the home directory.
const ConfigFile = "config.toml"

// Config is the full daemon configuration. Durations are strings
// ("15s", "24h") parsed at wiring time.
type Config struct {
	Home      string          `toml:"-" env:"SATSJAR_HOME"`
	API       APIConfig       `toml:"api"`
	Vault     VaultConfig     `toml:"vault"`
	Payments  PaymentsConfig  `toml:"payments"`
	Escrow    EscrowConfig    `toml:"escrow"`
	Limits    LimitsConfig    `toml:"limits"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	PriceFeed PriceFeedConfig `toml:"price_feed"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Addr           string `toml:"addr" env:"SATSJAR_HTTP_ADDR"`
	RequestTimeout string `toml:"request_timeout"`
	Metrics        bool   `toml:"metrics"`
}

// VaultConfig holds the master secret. It is read from the environment
// only; a master key in a config file is ignored.
type VaultConfig struct {
	MasterKey string `toml:"-" env:"SATSJAR_MASTER_KEY"`
}

// PaymentsConfig controls outbound payments.
type PaymentsConfig struct {
	Timeout          string `toml:"timeout"`
	MaxConcurrent    int    `toml:"max_concurrent"`
	ClawbackOnCancel bool   `toml:"clawback_on_cancel"`
}

// EscrowConfig controls task funding.
type EscrowConfig struct {
	PreDeduct         bool               `toml:"pre_deduct"`
	UnlockFamilyTasks int                `toml:"unlock_family_tasks"`
	Milestones        []domain.Milestone `toml:"milestones"`
}

// LimitsConfig holds the default caps.
type LimitsConfig struct {
	RateLimit   int    `toml:"rate_limit"`
	RateWindow  string `toml:"rate_window"`
	DailyCap    int64  `toml:"daily_cap"`
	PerTxCap    int64  `toml:"per_tx_cap"`
	DailyWindow string `toml:"daily_window"`
}

// SchedulerConfig controls recurring task creation.
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	Timezone string `toml:"timezone" env:"SATSJAR_TIMEZONE"`
}

// PriceFeedConfig controls earnings snapshots.
type PriceFeedConfig struct {
	Enabled  bool   `toml:"enabled"`
	BaseURL  string `toml:"base_url"`
	Currency string `toml:"currency"`
	Timeout  string `toml:"timeout"`
	CacheTTL string `toml:"cache_ttl"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName  string `toml:"service_name"`
	OTLPEndpoint string `toml:"otlp_endpoint" env:"SATSJAR_OTEL_ENDPOINT"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Home: DefaultHome(),
		API: APIConfig{
			Addr:           "127.0.0.1:8420",
			RequestTimeout: "1m",
			Metrics:        true,
		},
		Payments: PaymentsConfig{
			Timeout:       "15s",
			MaxConcurrent: 8,
		},
		Escrow: EscrowConfig{
			Milestones: domain.DefaultMilestones(),
		},
		Limits: LimitsConfig{
			RateLimit:   10,
			RateWindow:  "1h",
			DailyCap:    100_000,
			PerTxCap:    50_000,
			DailyWindow: "24h",
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: "1m",
			Timezone: "Europe/Berlin",
		},
		PriceFeed: PriceFeedConfig{
			Enabled:  true,
			BaseURL:  "https://api.coingecko.com/api/v3",
			Currency: "eur",
			Timeout:  "10s",
			CacheTTL: "5m",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "satsjar",
		},
	}
}

// DefaultHome returns ~/.satsjar, or ./.satsjar when the home directory is
// unknown.
func DefaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".satsjar"
	}
	return filepath.Join(dir, ".satsjar")
}

// LoadConfig reads path over the defaults and applies environment
// overrides. An empty path means config.toml in the home directory; a
// missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if h := os.Getenv("SATSJAR_HOME"); h != "" {
		cfg.Home = h
	}
	if path == "" {
		path = filepath.Join(cfg.Home, ConfigFile)
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every duration and the timezone.
func (c Config) Validate() error {
	var errs []error
	for name, s := range map[string]string{
		"api.request_timeout":  c.API.RequestTimeout,
		"payments.timeout":     c.Payments.Timeout,
		"limits.rate_window":   c.Limits.RateWindow,
		"limits.daily_window":  c.Limits.DailyWindow,
		"scheduler.interval":   c.Scheduler.Interval,
		"price_feed.timeout":   c.PriceFeed.Timeout,
		"price_feed.cache_ttl": c.PriceFeed.CacheTTL,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	for i, m := range c.Escrow.Milestones {
		if m.Tasks <= 0 || m.BonusSats <= 0 {
			errs = append(errs, fmt.Errorf("escrow.milestones[%d]: tasks and bonus_sats must be positive", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	return nil
}

// Location resolves the scheduler timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// duration parses s, falling back to def when s is empty or invalid.
func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
