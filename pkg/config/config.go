// Package config loads engine configuration from environment variables.
package config

import (
	"os"
	"strconv"
)

// Config holds engine configuration.
type Config struct {
	DatabaseURL     string // sqlite path or postgres:// URL
	LogLevel        string
	SignalWorkers   int
	RedisAddr       string // empty disables the distributed lock
	RedisPassword   string
	RedisDB         int
	IncludeInferred bool
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "covenant.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	workers := 4
	if v := os.Getenv("SIGNAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			workers = n
		}
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	return &Config{
		DatabaseURL:     dbURL,
		LogLevel:        logLevel,
		SignalWorkers:   workers,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		IncludeInferred: os.Getenv("INCLUDE_INFERRED_TAGS") == "true",
	}
}
