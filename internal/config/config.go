// Package config loads server settings from the environment, with an optional
// .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Addr                string        `env:"TICTACTOE_ADDR"                 envDefault:":8080"`
	Store               string        `env:"TICTACTOE_STORE"                envDefault:"memory"`
	DatabaseURL         string        `env:"DATABASE_URL"`
	DBMaxConns          int32         `env:"TICTACTOE_DB_MAX_CONNS"         envDefault:"10"`
	LivenessWindow      time.Duration `env:"TICTACTOE_LIVENESS_WINDOW"      envDefault:"30s"`
	IdleSessionGrace    time.Duration `env:"TICTACTOE_IDLE_SESSION_GRACE"   envDefault:"60s"`
	ReleaseOnDisconnect bool          `env:"TICTACTOE_RELEASE_ON_DISCONNECT"`
	WSReadTimeout       time.Duration `env:"TICTACTOE_WS_READ_TIMEOUT"      envDefault:"30s"`
	PublicURL           string        `env:"TICTACTOE_PUBLIC_URL"           envDefault:"http://localhost:8080"`
	AllowedOrigins      []string      `env:"TICTACTOE_ALLOWED_ORIGINS"      envSeparator:","`
	LogLevel            string        `env:"TICTACTOE_LOG_LEVEL"            envDefault:"info"`
	LogDevelopment      bool          `env:"TICTACTOE_LOG_DEVELOPMENT"`
}

// Load reads .env if present, then the process environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreMemory, StorePostgres)
	}
	if c.LivenessWindow <= 0 {
		return fmt.Errorf("liveness window must be positive, got %s", c.LivenessWindow)
	}
	if c.WSReadTimeout <= 0 {
		return fmt.Errorf("websocket read timeout must be positive, got %s", c.WSReadTimeout)
	}
	if c.IdleSessionGrace < 0 {
		return fmt.Errorf("idle session grace must not be negative, got %s", c.IdleSessionGrace)
	}
	return nil
}
