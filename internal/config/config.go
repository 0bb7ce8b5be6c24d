package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr           string        `env:"HIRESPOT_CHAT_ADDR"        envDefault:":8080"`
	DatabaseDriver string        `env:"HIRESPOT_CHAT_DB_DRIVER"   envDefault:"sqlite3"`
	DatabaseDSN    string        `env:"HIRESPOT_CHAT_DB_DSN"      envDefault:"chat.db"`
	TokenSecret    string        `env:"HIRESPOT_CHAT_TOKEN_SECRET" envDefault:"dev-secret-change-me"`
	TokenTTL       time.Duration `env:"HIRESPOT_CHAT_TOKEN_TTL"   envDefault:"1h"`
	Environment    string        `env:"HIRESPOT_CHAT_ENV"         envDefault:"development"`
}

// Load reads configuration from a .env file (when present) and the process
// environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}
