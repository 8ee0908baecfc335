// Package config reads process configuration from the environment. A .env
// file in the working directory is loaded first when present; variables
// already set in the environment take precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	LogLevel    slog.Level

	TradeBatchSize     int
	MarginBatchSize    int
	MaxBatchIterations int

	// Cron expressions with a seconds field; "off" disables the schedule.
	TradeSchedule  string
	MarginSchedule string

	CacheTTL        time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		NATSURL:            getEnv("NATS_URL", ""),
		TradeBatchSize:     getEnvAsInt("TRADE_BATCH_SIZE", 200),
		MarginBatchSize:    getEnvAsInt("MARGIN_BATCH_SIZE", 100),
		MaxBatchIterations: getEnvAsInt("MAX_BATCH_ITERATIONS", 500),
		TradeSchedule:      getEnv("TRADE_SCHEDULE", "0 */5 10-15 * * SUN-THU"),
		MarginSchedule:     getEnv("MARGIN_SCHEDULE", "0 30 17 * * SUN-THU"),
		CacheTTL:           getEnvAsDuration("CACHE_TTL", 30*time.Second),
		ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		AllowedOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.TradeBatchSize <= 0 {
		return fmt.Errorf("TRADE_BATCH_SIZE must be positive, got %d", c.TradeBatchSize)
	}
	if c.MarginBatchSize <= 0 {
		return fmt.Errorf("MARGIN_BATCH_SIZE must be positive, got %d", c.MarginBatchSize)
	}
	if c.MaxBatchIterations <= 0 {
		return fmt.Errorf("MAX_BATCH_ITERATIONS must be positive, got %d", c.MaxBatchIterations)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
