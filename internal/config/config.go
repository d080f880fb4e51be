// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Environment always wins, so
// deployments can run without a file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Oracle OracleConfig `yaml:"oracle"`
	Risk   RiskConfig   `yaml:"risk"`
	Fees   FeeConfig    `yaml:"fees"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type OracleConfig struct {
	// MaxPriceAge is the staleness window; quotes older than this are
	// rejected.
	MaxPriceAge time.Duration `yaml:"max_price_age"`
}

type RiskConfig struct {
	// MaxPositionsPerOwner caps active positions per account; zero means
	// unlimited.
	MaxPositionsPerOwner int `yaml:"max_positions_per_owner"`
}

type FeeConfig struct {
	ProtocolFeeBps int64  `yaml:"protocol_fee_bps"`
	FeeCollector   string `yaml:"fee_collector"`
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), applies defaults, then environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Store.CacheTTL == 0 {
		cfg.Store.CacheTTL = 30 * time.Second
	}
	if cfg.Oracle.MaxPriceAge == 0 {
		cfg.Oracle.MaxPriceAge = 60 * time.Second
	}
	if cfg.Fees.ProtocolFeeBps == 0 {
		cfg.Fees.ProtocolFeeBps = 15
	}
	if cfg.Fees.FeeCollector == "" {
		cfg.Fees.FeeCollector = "treasury"
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("MAX_PRICE_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MAX_PRICE_AGE: %w", err)
		}
		cfg.Oracle.MaxPriceAge = d
	}
	if v := os.Getenv("PROTOCOL_FEE_BPS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PROTOCOL_FEE_BPS: %w", err)
		}
		cfg.Fees.ProtocolFeeBps = n
	}
	if v := os.Getenv("FEE_COLLECTOR"); v != "" {
		cfg.Fees.FeeCollector = v
	}
	if v := os.Getenv("MAX_POSITIONS_PER_OWNER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_POSITIONS_PER_OWNER: %w", err)
		}
		cfg.Risk.MaxPositionsPerOwner = n
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Oracle.MaxPriceAge <= 0 {
		return fmt.Errorf("oracle.max_price_age must be positive")
	}
	if cfg.Fees.ProtocolFeeBps < 0 || cfg.Fees.ProtocolFeeBps >= 10000 {
		return fmt.Errorf("fees.protocol_fee_bps must be in [0, 10000)")
	}
	if cfg.Risk.MaxPositionsPerOwner < 0 {
		return fmt.Errorf("risk.max_positions_per_owner must not be negative")
	}
	return nil
}
