// Package config provides configuration management for the tile describer
// service. It loads settings from environment variables with sensible
// defaults and validates them before the application starts.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - API_KEY: Shared secret checked against the X-API-Key header (required)
//
// Cache Configuration:
//   - CACHE_BACKEND: "sqlite", "postgres", "redis" or "memory" (default: sqlite)
//   - CACHE_DB_PATH: SQLite cache file path (default: ./tile_cache.db)
//   - POSTGRES_HOST / POSTGRES_PORT / POSTGRES_DB / POSTGRES_USER /
//     POSTGRES_PASSWORD / POSTGRES_SSL_MODE: PostgreSQL backend settings
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - CACHE_PURGE_SCHEDULE: cron spec for the expired-row sweep (default: @hourly)
//
// Upstream Endpoints:
//   - NOMINATIM_URL: reverse geocoding base URL (default: https://nominatim.openstreetmap.org)
//   - OVERPASS_URL: Overpass API endpoint (default: https://overpass-api.de/api/interpreter)
//   - SEARCH_URL: instant-answer search endpoint (default: https://api.duckduckgo.com/)
//   - VISION_URL: generative vision API base URL (default: https://generativelanguage.googleapis.com)
//   - VISION_MODEL: vision model name (default: gemini-2.5-flash)
//   - VISION_API_KEY: vision API key (required)
//
// Resilience Settings:
//   - BREAKER_THRESHOLD: consecutive failures before a breaker opens (default: 5)
//   - BREAKER_COOLDOWN: how long an open breaker rejects calls (default: 30s)
//   - GEOCODER_MIN_INTERVAL: minimum spacing between geocoding calls (default: 1s)
//
// Request Limits:
//   - MAX_THUMBNAIL_BYTES: remote thumbnail download ceiling (default: 5242880)
//   - MAX_IMAGE_EDGE: longest image edge sent to the vision model (default: 768)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration values for the tile describer service.
type Config struct {
	// Application settings
	Port     string
	LogLevel string
	APIKey   string

	// Cache configuration
	CacheBackend       string
	CacheDBPath        string
	CachePurgeSchedule string

	// PostgreSQL backend
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis backend
	RedisAddress  string
	RedisPassword string
	RedisDB       string

	// Upstream endpoints
	NominatimURL string
	OverpassURL  string
	SearchURL    string
	VisionURL    string
	VisionModel  string
	VisionAPIKey string

	// Resilience settings
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	GeocoderMinInterval time.Duration

	// Request limits
	MaxThumbnailBytes int64
	MaxImageEdge      int
}

// Load creates a new Config instance with values loaded from environment
// variables. Call Validate() on the result before using it.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		APIKey:   getEnv("API_KEY", ""),

		CacheBackend:       getEnv("CACHE_BACKEND", "sqlite"),
		CacheDBPath:        getEnv("CACHE_DB_PATH", "./tile_cache.db"),
		CachePurgeSchedule: getEnv("CACHE_PURGE_SCHEDULE", "@hourly"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "tile_describer"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),

		NominatimURL: getEnv("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
		OverpassURL:  getEnv("OVERPASS_URL", "https://overpass-api.de/api/interpreter"),
		SearchURL:    getEnv("SEARCH_URL", "https://api.duckduckgo.com/"),
		VisionURL:    getEnv("VISION_URL", "https://generativelanguage.googleapis.com"),
		VisionModel:  getEnv("VISION_MODEL", "gemini-2.5-flash"),
		VisionAPIKey: getEnv("VISION_API_KEY", ""),

		BreakerThreshold:    getIntEnv("BREAKER_THRESHOLD", 5),
		BreakerCooldown:     getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),
		GeocoderMinInterval: getDurationEnv("GEOCODER_MIN_INTERVAL", time.Second),

		MaxThumbnailBytes: int64(getIntEnv("MAX_THUMBNAIL_BYTES", 5*1024*1024)),
		MaxImageEdge:      getIntEnv("MAX_IMAGE_EDGE", 768),
	}
}

// PostgresDSN builds the connection string for the PostgreSQL cache backend.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort,
		c.PostgresDB, c.PostgresSSLMode)
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable or returns a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable or returns a default value.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate ensures required fields are present and all values are usable.
// The application should call this after Load() and before starting.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY environment variable is required")
	}

	if c.VisionAPIKey == "" {
		return fmt.Errorf("VISION_API_KEY environment variable is required")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.CacheBackend {
	case "sqlite", "postgres", "postgresql", "redis", "memory":
	default:
		return fmt.Errorf("CACHE_BACKEND must be 'sqlite', 'postgres', 'redis' or 'memory'")
	}

	if c.CacheBackend == "sqlite" && c.CacheDBPath == "" {
		return fmt.Errorf("CACHE_DB_PATH is required when using the SQLite backend")
	}

	if c.CacheBackend == "postgres" || c.CacheBackend == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	if c.CacheBackend == "redis" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
	}

	if _, err := cron.ParseStandard(c.CachePurgeSchedule); err != nil {
		return fmt.Errorf("CACHE_PURGE_SCHEDULE must be a valid cron spec: %v", err)
	}

	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be a positive number")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be a positive duration")
	}
	if c.GeocoderMinInterval < 0 {
		return fmt.Errorf("GEOCODER_MIN_INTERVAL must not be negative")
	}

	if c.MaxThumbnailBytes < 1 {
		return fmt.Errorf("MAX_THUMBNAIL_BYTES must be a positive number")
	}
	if c.MaxImageEdge < 1 {
		return fmt.Errorf("MAX_IMAGE_EDGE must be a positive number")
	}

	return nil
}
