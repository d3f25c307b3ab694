// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	DatabaseURL string // postgres:// URL; empty selects SQLite at DBPath
	RedisURL    string
	LogLevel    slog.Level

	Session SessionConfig
	Cache   CacheConfig
	Relay   RelayConfig
	Timeout TimeoutConfig
}

// SessionConfig controls bearer session lookups.
type SessionConfig struct {
	TTL time.Duration
}

// CacheConfig controls the recent-message cache.
type CacheConfig struct {
	MaxMessages int
	TTL         time.Duration
}

// RelayConfig controls message relay policy.
type RelayConfig struct {
	RoomEchoToSender bool
	MaxMessageBytes  int
	SendQueueSize    int
}

// TimeoutConfig bounds calls to external stores.
type TimeoutConfig struct {
	Store       time.Duration
	Cache       time.Duration
	HealthCheck time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chat.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Session: SessionConfig{
			TTL: getEnvDuration("SESSION_TTL", 24*time.Hour),
		},
		Cache: CacheConfig{
			MaxMessages: getEnvInt("CACHE_MAX_MESSAGES", 100),
			TTL:         getEnvDuration("CACHE_TTL", 24*time.Hour),
		},
		Relay: RelayConfig{
			RoomEchoToSender: getEnvBool("ROOM_ECHO_TO_SENDER", true),
			MaxMessageBytes:  getEnvInt("MAX_MESSAGE_BYTES", 4096),
			SendQueueSize:    getEnvInt("SEND_QUEUE_SIZE", 64),
		},
		Timeout: TimeoutConfig{
			Store:       getEnvDuration("STORE_TIMEOUT", 5*time.Second),
			Cache:       getEnvDuration("CACHE_TIMEOUT", 2*time.Second),
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty when DATABASE_URL is unset")
	}
	if c.DatabaseURL != "" && !c.UsePostgres() {
		return fmt.Errorf("DATABASE_URL must be a postgres:// or postgresql:// URL")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL cannot be empty")
	}
	if c.Cache.MaxMessages <= 0 {
		return fmt.Errorf("CACHE_MAX_MESSAGES must be > 0")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be > 0")
	}
	if c.Relay.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be > 0")
	}
	if c.Timeout.Store <= 0 || c.Timeout.Cache <= 0 {
		return fmt.Errorf("STORE_TIMEOUT and CACHE_TIMEOUT must be > 0")
	}
	return nil
}

// UsePostgres reports whether the durable store should be Postgres.
func (c *Config) UsePostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins derived from FRONTEND_URL.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
