// Package config loads process configuration from the environment,
// matching the shape of the source repo's web.LoadConfig/getEnv pair.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the environment variables recognized by the core (spec §6).
type Config struct {
	DatabaseURL string
	RedisURL    string

	Headless bool

	BrowserPoolSize int

	ScrapeConcurrency    int
	MatchConcurrency     int
	InstagramConcurrency int

	RunHeartbeatTimeout time.Duration
	DispatcherInterval  time.Duration

	LogLevel string

	HTTPAddr string
}

// Load reads configuration from the environment, loading a local .env
// file first when present (matching the teacher's web.LoadConfig).
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		Headless: getBool("HEADLESS", true),

		BrowserPoolSize: getInt("BROWSER_POOL_SIZE", 3),

		ScrapeConcurrency:    getInt("SCRAPE_CONCURRENCY", 2),
		MatchConcurrency:     getInt("MATCH_CONCURRENCY", 1),
		InstagramConcurrency: getInt("INSTAGRAM_CONCURRENCY", 1),

		RunHeartbeatTimeout: time.Duration(getInt("RUN_HEARTBEAT_TIMEOUT_SECONDS", 600)) * time.Second,
		DispatcherInterval:  time.Minute,

		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}
}

func getEnv(key, defaultValue string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return defaultValue
	}
	return v
}

func getBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
