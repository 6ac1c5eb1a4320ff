package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	LedgerStore      string        `mapstructure:"LEDGER_STORE"`
	MongoURL         string        `mapstructure:"MONGO_URL"`
	MongoDatabase    string        `mapstructure:"MONGO_DATABASE"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	LockTTL          time.Duration `mapstructure:"LOCK_TTL"`
	DefaultTenant    string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	CoverageTierUnit int64         `mapstructure:"COVERAGE_TIER_UNIT"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	LogFile          string        `mapstructure:"LOG_FILE"`
	LogMaxSizeMB     int           `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups    int           `mapstructure:"LOG_MAX_BACKUPS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"LEDGER_STORE", "MONGO_URL", "MONGO_DATABASE", "REDIS_URL", "LOCK_TTL",
	"DEFAULT_TENANT", "CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "COVERAGE_TIER_UNIT",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LEDGER_STORE", StorePostgres)
	v.SetDefault("MONGO_DATABASE", "billing")
	v.SetDefault("LOCK_TTL", "10s")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("COVERAGE_TIER_UNIT", 100000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.LedgerStore = strings.ToLower(strings.TrimSpace(cfg.LedgerStore))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMongo reports whether the ledger lives in MongoDB.
func (c *Config) UsesMongo() bool {
	return c.LedgerStore == StoreMongo
}

// Validate checks that the configuration names a reachable ledger store and
// sane limits.
func (c *Config) Validate() error {
	switch c.LedgerStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LEDGER_STORE is %q", StorePostgres)
		}
	case StoreMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_URL is required when LEDGER_STORE is %q", StoreMongo)
		}
		if c.MongoDatabase == "" {
			return fmt.Errorf("MONGO_DATABASE must not be empty")
		}
	default:
		return fmt.Errorf("LEDGER_STORE must be %q or %q, got %q", StorePostgres, StoreMongo, c.LedgerStore)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.CoverageTierUnit < 0 {
		return fmt.Errorf("COVERAGE_TIER_UNIT must not be negative, got %d", c.CoverageTierUnit)
	}
	if c.RedisURL != "" && c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive when REDIS_URL is set")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not a known level", c.LogLevel)
	}
	return nil
}
