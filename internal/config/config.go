package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr              string
	Environment       string
	LogLevel          string
	Store             string
	DatabaseDSN       string
	Redis             RedisConfig
	AllowedOrigins    []string
	JWTSecret         string
	RelayURL          string
	APIURL            string
	EnforceMembership bool
	ShutdownTimeout   time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Load reads the process environment once. Values are not revalidated afterwards.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ADDR", ":8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("RELAY_URL", "ws://localhost:8080/ws")
	v.SetDefault("API_URL", "http://localhost:8080/api")
	v.SetDefault("ENFORCE_MEMBERSHIP", false)
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)

	cfg := &Config{
		Addr:        v.GetString("ADDR"),
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		Store:       strings.ToLower(v.GetString("STORE")),
		DatabaseDSN: v.GetString("DB_DSN"),
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		AllowedOrigins:    splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:         v.GetString("JWT_SECRET"),
		RelayURL:          v.GetString("RELAY_URL"),
		APIURL:            v.GetString("API_URL"),
		EnforceMembership: v.GetBool("ENFORCE_MEMBERSHIP"),
		ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DB_DSN is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// IsProduction is true when ENVIRONMENT=production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
