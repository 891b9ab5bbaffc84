// Package config loads engine configuration from an optional YAML file
// with environment variable overrides. Environment always wins.
package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the broker engine.
type Config struct {
	Server     Server     `yaml:"server"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Simulation Simulation `yaml:"simulation"`
	Risk       Risk       `yaml:"risk"`
}

// Server holds network listener configuration.
type Server struct {
	Port string `yaml:"port"`
}

// Database holds the PostgreSQL connection string.
type Database struct {
	URL string `yaml:"url"`
}

// Redis holds the cache connection string and entry TTL.
type Redis struct {
	URL        string `yaml:"url"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// Simulation holds the execution simulator parameters. Decimal fields are
// strings in YAML to avoid float parsing.
type Simulation struct {
	SlippageRate    string `yaml:"slippage_rate"`
	CommissionRate  string `yaml:"commission_rate"`
	MaxFillQuantity string `yaml:"max_fill_quantity"`
}

// Risk holds the pre-trade limit parameters.
type Risk struct {
	MaxPositionQuantity string `yaml:"max_position_quantity"`
}

// Load reads configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:     Server{Port: "8080"},
		Redis:      Redis{TTLSeconds: 30},
		Simulation: Simulation{SlippageRate: "0.001", CommissionRate: "0", MaxFillQuantity: "0"},
		Risk:       Risk{MaxPositionQuantity: "0"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SLIPPAGE_RATE"); v != "" {
		cfg.Simulation.SlippageRate = v
	}
	if v := os.Getenv("COMMISSION_RATE"); v != "" {
		cfg.Simulation.CommissionRate = v
	}

	// Validate decimal fields up front so a typo fails fast.
	for _, f := range []struct{ name, val string }{
		{"simulation.slippage_rate", cfg.Simulation.SlippageRate},
		{"simulation.commission_rate", cfg.Simulation.CommissionRate},
		{"simulation.max_fill_quantity", cfg.Simulation.MaxFillQuantity},
		{"risk.max_position_quantity", cfg.Risk.MaxPositionQuantity},
	} {
		if _, err := decimal.NewFromString(f.val); err != nil {
			return nil, fmt.Errorf("config %s: invalid decimal %q", f.name, f.val)
		}
	}

	return cfg, nil
}

// MustDecimal parses a validated decimal config field.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("config: invalid decimal %q", s))
	}
	return d
}
