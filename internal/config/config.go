package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine's runtime configuration.
type Config struct {
	Env    string       `yaml:"env"`
	Server ServerConfig `yaml:"server"`
	SLA    SLAConfig    `yaml:"sla"`
	Retry  RetryConfig  `yaml:"retry"`
	// Markets holds per-market rule settings keyed by market code ("JP",
	// "TW", ...).
	Markets map[string]MarketConfig `yaml:"markets"`
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwtSecret"`
	DSN       string `yaml:"dsn"`
}

// SLAConfig holds the latency budgets for calculation passes. A breached
// budget never aborts a pass, it only flags it for observability.
type SLAConfig struct {
	CalculationBudgetMs int `yaml:"calculationBudgetMs"`
	ShortSellBudgetMs   int `yaml:"shortSellBudgetMs"`
}

// CalculationBudget returns the general pass budget as a duration.
func (s SLAConfig) CalculationBudget() time.Duration {
	return time.Duration(s.CalculationBudgetMs) * time.Millisecond
}

// ShortSellBudget returns the short-sell validation budget as a duration.
func (s SLAConfig) ShortSellBudget() time.Duration {
	return time.Duration(s.ShortSellBudgetMs) * time.Millisecond
}

// RetryConfig bounds retries of transient calculation failures.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"maxAttempts"`
	InitialBackoffMs  int     `yaml:"initialBackoffMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

// InitialBackoff returns the first retry delay as a duration.
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MarketConfig holds market-specific rule settings.
type MarketConfig struct {
	// SettlementCutoff is a time-of-day ("15:30") after which same-day
	// settlement receipts no longer count toward availability. Empty means
	// no cutoff.
	SettlementCutoff string `yaml:"settlementCutoff"`
	// QuantoSettlementLag shifts quanto contract receipts by the given
	// number of settlement days (Japan: T+1 contracts settle T+2).
	QuantoSettlementLag int `yaml:"quantoSettlementLag"`
}

// Default returns the configuration used when no config file is supplied.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:      "8080",
			JWTSecret: "inventory-secret-key",
			DSN:       "inventory.db",
		},
		SLA: SLAConfig{
			CalculationBudgetMs: 200,
			ShortSellBudgetMs:   150,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoffMs:  10,
			BackoffMultiplier: 2.0,
		},
		Markets: map[string]MarketConfig{
			"JP": {SettlementCutoff: "15:30", QuantoSettlementLag: 1},
		},
	}
}

// Load reads and validates a YAML config file. Missing fields fall back to
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the engine relies on.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port must not be empty")
	}
	if c.SLA.CalculationBudgetMs <= 0 {
		return fmt.Errorf("sla.calculationBudgetMs must be positive, got %d", c.SLA.CalculationBudgetMs)
	}
	if c.SLA.ShortSellBudgetMs <= 0 {
		return fmt.Errorf("sla.shortSellBudgetMs must be positive, got %d", c.SLA.ShortSellBudgetMs)
	}
	if c.SLA.ShortSellBudgetMs > c.SLA.CalculationBudgetMs {
		return fmt.Errorf("sla.shortSellBudgetMs (%d) must not exceed sla.calculationBudgetMs (%d)",
			c.SLA.ShortSellBudgetMs, c.SLA.CalculationBudgetMs)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffMultiplier < 1.0 {
		return fmt.Errorf("retry.backoffMultiplier must be at least 1.0, got %f", c.Retry.BackoffMultiplier)
	}
	for market, mc := range c.Markets {
		if mc.SettlementCutoff != "" {
			if _, err := time.Parse("15:04", mc.SettlementCutoff); err != nil {
				return fmt.Errorf("markets.%s.settlementCutoff %q is not HH:MM: %w", market, mc.SettlementCutoff, err)
			}
		}
		if mc.QuantoSettlementLag < 0 {
			return fmt.Errorf("markets.%s.quantoSettlementLag must not be negative", market)
		}
	}
	return nil
}
