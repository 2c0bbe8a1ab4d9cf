package account

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds accounts database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads database configuration from environment variables
// with validation and production-ready defaults.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "10"))

	maxLifetime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	cfg := Config{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "insight"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "insight"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and pool sanity.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("database host is required")
	}
	if c.Database == "" {
		return errors.New("database name is required")
	}
	if c.User == "" {
		return errors.New("database user is required")
	}
	if c.MaxOpenConns <= 0 {
		return errors.New("max open connections must be positive")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle connections cannot exceed max open connections")
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
