// Package config provides environment configuration for the sync daemon.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the daemon.
type Config struct {
	// Itinerary service
	ServiceBaseURL string
	ItineraryID    string
	ExecutionID    string
	AuthToken      string
	RequestTimeout time.Duration

	// Sync queue
	DebounceInterval time.Duration

	// Ops server
	OpsPort string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Itinerary service
		ServiceBaseURL: getEnv("SERVICE_BASE_URL", "http://localhost:8080"),
		ItineraryID:    getEnv("ITINERARY_ID", ""),
		ExecutionID:    getEnv("EXECUTION_ID", ""),
		AuthToken:      getEnv("AUTH_TOKEN", ""),
		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 150*time.Second),

		// Sync queue
		DebounceInterval: getDurationEnv("DEBOUNCE_INTERVAL", 300*time.Millisecond),

		// Ops server
		OpsPort: getEnv("OPS_PORT", "9090"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
