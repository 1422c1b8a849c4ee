// Package config loads all runtime configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Cart   CartConfig
	Promo  PromoConfig

	// PharmacyID scopes products, dispenses and reports when a request does
	// not name a pharmacy explicitly.
	PharmacyID string `envconfig:"PHARMACY_ID" default:"main-pharmacy"`

	Log LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"SERVER_PORT" default:"8080"`
	AllowedOrigin   string        `envconfig:"ALLOWED_ORIGIN" default:"http://localhost:5173"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DBConfig selects the persistence backend. When URL is empty the server runs
// on the seeded in-memory store, which is the dev/demo mode.
type DBConfig struct {
	URL string `envconfig:"DATABASE_URL"`
}

// RedisConfig configures the optional promotion cache. When Addr is empty the
// registry runs without caching.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// AuthConfig holds token signing configuration.
// WARNING: the default secret is for local development only. In production,
// always set AUTH_SECRET to a random value of at least 32 bytes.
type AuthConfig struct {
	Secret   string        `envconfig:"AUTH_SECRET"`
	TokenTTL time.Duration `envconfig:"AUTH_TOKEN_TTL" default:"8h"`
}

// CartConfig controls cart session expiry.
type CartConfig struct {
	IdleTTL       time.Duration `envconfig:"CART_IDLE_TTL" default:"30m"`
	SweepInterval time.Duration `envconfig:"CART_SWEEP_INTERVAL" default:"1m"`
}

// PromoConfig controls promotion cache freshness.
type PromoConfig struct {
	CacheTTL time.Duration `envconfig:"PROMO_CACHE_TTL" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load parses environment variables into the Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
