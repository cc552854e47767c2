package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	DatabaseURL     string        `env:"DB_DSN"`
	StoreBackend    string        `env:"STORE_BACKEND" envDefault:"postgres"`
	MemorySeed      string        `env:"MEMORY_SEED"`
	MigrateOnStart  bool          `env:"MIGRATE_ON_START" envDefault:"true"`
	ServiceTimezone string        `env:"SERVICE_TIMEZONE" envDefault:"UTC"`
	DisplayConfig   string        `env:"DISPLAY_CONFIG"`
	BulkConcurrency int           `env:"BULK_CONCURRENCY" envDefault:"4"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// SweepInterval enables a background stale-ticket sweep of every department. Zero
	// leaves sweeping to department reads.
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"0s"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisChannel  string `env:"REDIS_CHANNEL" envDefault:"qms:ticket-changes"`

	RateLimitPerMinute      int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST" envDefault:"30"`
	StaffRateLimitPerMinute int           `env:"STAFF_RATE_LIMIT_PER_MIN" envDefault:"600"`
	StaffRateLimitBurst     int           `env:"STAFF_RATE_LIMIT_BURST" envDefault:"120"`
	RateLimitIdleTTL        time.Duration `env:"RATE_LIMIT_IDLE_TTL" envDefault:"10m"`
	// TrustProxyHeaders keys per-IP limits on X-Forwarded-For instead of the peer address.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding   string `env:"LOG_ENCODING" envDefault:"json"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`

	Location *time.Location `env:"-"`
}

// Load reads an optional dotenv file and then the environment. A missing dotenv file is
// not an error; variables already set in the environment take precedence over it.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	loc, err := time.LoadLocation(cfg.ServiceTimezone)
	if err != nil {
		return Config{}, fmt.Errorf("SERVICE_TIMEZONE: %w", err)
	}
	cfg.Location = loc
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend)
	}
	if c.SweepInterval < 0 {
		return errors.New("SWEEP_INTERVAL must not be negative")
	}
	if c.RateLimitIdleTTL <= 0 {
		return errors.New("RATE_LIMIT_IDLE_TTL must be positive")
	}
	if c.BulkConcurrency <= 0 {
		return errors.New("BULK_CONCURRENCY must be positive")
	}
	return nil
}
