package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is the deployment-wide configuration, parsed from environment
// variables. There is a single token TTL for every token the deployment
// issues; it is never hardcoded anywhere else.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	SentryDSN   string `env:"SENTRY_DSN"`

	JWTSecret string        `env:"JWT_SECRET,required"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"20m"`

	AdminUsername string `env:"ADMIN_USERNAME"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
	AdminSecret   string `env:"ADMIN_SECRET"`

	LoginMaxAttempts  int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"6"`
	LoginLockDuration time.Duration `env:"LOGIN_LOCK_DURATION" envDefault:"24h"`

	LoginRateLimitMax    int           `env:"LOGIN_RATE_LIMIT_MAX" envDefault:"10"`
	LoginRateLimitWindow time.Duration `env:"LOGIN_RATE_LIMIT_WINDOW" envDefault:"1m"`

	CronSecret            string        `env:"CRON_SECRET"`
	LoginAttemptRetention time.Duration `env:"LOGIN_ATTEMPT_RETENTION" envDefault:"720h"`
	CleanupBatchSize      int           `env:"CLEANUP_BATCH_SIZE" envDefault:"500"`

	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
}

// Load parses the environment into a Config. When loadDotEnv is set a .env
// file is read first if present; missing files are not an error.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.LoginMaxAttempts <= 0 {
		cfg.LoginMaxAttempts = 6
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("TOKEN_TTL must be positive")
	}

	return cfg, nil
}
