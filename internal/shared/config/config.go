package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Upstream targets (name -> base URL)
	Targets     map[string]string
	TargetsFile string

	// Credentials
	DefaultRateLimit int
	KeyExpiryDays    int

	// Rate Limiting
	RateLimitWindow time.Duration

	// Caching
	CacheTTL     time.Duration
	CacheEnabled bool

	// Proxy
	MaxBodyBytes    int64
	UpstreamTimeout time.Duration

	// Log pipeline
	LogFlushInterval time.Duration
}

// TargetsFile is the on-disk shape of TARGETS_FILE
type TargetsFile struct {
	Targets map[string]string `yaml:"targets"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),
		TargetsFile:      getEnv("TARGETS_FILE", ""),
		DefaultRateLimit: getEnvInt("DEFAULT_RATE_LIMIT", 100),
		KeyExpiryDays:    getEnvInt("KEY_EXPIRY_DAYS", 30),
		RateLimitWindow:  getEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", 60*time.Second),
		CacheTTL:         getEnvSeconds("CACHE_TTL_SECONDS", 300*time.Second),
		CacheEnabled:     getEnvBool("CACHE_ENABLED", true),
		MaxBodyBytes:     int64(getEnvInt("MAX_BODY_BYTES", 10*1024*1024)),
		UpstreamTimeout:  getEnvSeconds("UPSTREAM_TIMEOUT_SECONDS", 30*time.Second),
		LogFlushInterval: getEnvSeconds("LOG_FLUSH_INTERVAL_SECONDS", 60*time.Second),
	}

	targets, err := ParseTargets(getEnv("TARGETS", ""))
	if err != nil {
		return nil, err
	}
	if cfg.TargetsFile != "" {
		fileTargets, err := LoadTargetsFile(cfg.TargetsFile)
		if err != nil {
			return nil, err
		}
		for name, url := range fileTargets {
			targets[name] = url
		}
	}
	cfg.Targets = targets

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("at least one upstream target is required (TARGETS or TARGETS_FILE)")
	}

	if cfg.DefaultRateLimit <= 0 {
		return nil, fmt.Errorf("DEFAULT_RATE_LIMIT must be positive")
	}

	return cfg, nil
}

// ParseTargets parses "name=url,name=url" into a target map
func ParseTargets(raw string) (map[string]string, error) {
	targets := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid target %q (expected name=url)", pair)
		}
		targets[name] = strings.TrimRight(url, "/")
	}
	return targets, nil
}

// LoadTargetsFile reads a YAML targets file
func LoadTargetsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file %q: %w", path, err)
	}

	var file TargetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse targets file %q: %w", path, err)
	}

	targets := make(map[string]string, len(file.Targets))
	for name, url := range file.Targets {
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if name == "" || url == "" {
			return nil, fmt.Errorf("targets file %q has an empty name or url", path)
		}
		targets[name] = strings.TrimRight(url, "/")
	}
	return targets, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
