package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the minard backend.
type Config struct {
	Environment string
	Addr        string
	LogLevel    string

	DatabaseURL     string
	MigrationsDir   string
	MigrateRollback bool

	EventStoreRedisAddr     string
	EventStoreRedisPassword string
	EventStoreRedisDB       int
	EventStoreRetries       int
	EventStoreRetryDelay    time.Duration

	GitLabBaseURL string
	GitLabToken   string
	CIAuthToken   string

	DeploymentRoot      string
	ExtractionWorkers   int
	ExtractionBacklog   int
	PreviewDomainSuffix string

	ScreenshotterURL string
	ScreenshotDir    string

	StreamHeartbeat  time.Duration
	StreamBufferSize int

	RateLimitRedisAddr     string
	RateLimitRedisPassword string
	RateLimitRedisDB       int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("MINARD_ADDR", ":8000"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		DatabaseURL:     GetString("DATABASE_URL", "postgres://minard:minard@db:5432/minard?sslmode=disable"),
		MigrationsDir:   GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		MigrateRollback: GetBool("DB_MIGRATE_ROLLBACK", false),

		EventStoreRedisAddr:     GetString("EVENT_STORE_REDIS_ADDR", "redis:6379"),
		EventStoreRedisPassword: GetString("EVENT_STORE_REDIS_PASSWORD", ""),
		EventStoreRedisDB:       GetInt("EVENT_STORE_REDIS_DB", 0),
		EventStoreRetries:       GetInt("EVENT_STORE_RETRIES", 3),
		EventStoreRetryDelay:    GetDuration("EVENT_STORE_RETRY_DELAY_MS", 500*time.Millisecond),

		GitLabBaseURL: GetString("GITLAB_BASE_URL", "http://gitlab:80"),
		GitLabToken:   GetString("GITLAB_TOKEN", ""),
		CIAuthToken:   GetString("CI_AUTH_TOKEN", ""),

		DeploymentRoot:      GetString("DEPLOYMENT_ROOT", "/var/lib/minard/deployments"),
		ExtractionWorkers:   GetInt("EXTRACTION_WORKERS", 1),
		ExtractionBacklog:   GetInt("EXTRACTION_BACKLOG", 256),
		PreviewDomainSuffix: GetString("PREVIEW_DOMAIN_SUFFIX", ".minard.local"),

		ScreenshotterURL: GetString("SCREENSHOTTER_URL", ""),
		ScreenshotDir:    GetString("SCREENSHOT_DIR", "/var/lib/minard/screenshots"),

		StreamHeartbeat:  GetDuration("STREAM_HEARTBEAT_MS", 20*time.Second),
		StreamBufferSize: GetInt("STREAM_BUFFER_SIZE", 64),

		RateLimitRedisAddr:     GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPassword: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:       GetInt("RATE_LIMIT_REDIS_DB", 1),
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetDuration retrieves an environment variable as a millisecond count or
// returns fallback.
func GetDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return time.Duration(parsed) * time.Millisecond
	}
	return fallback
}
