package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultReservedTitles are the column names a task title may never equal,
// compared case-insensitively.
var DefaultReservedTitles = []string{"todo", "in progress", "done"}

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string
	TokenTTL        time.Duration

	// Session gateway
	OutboundQueueDepth int

	// Activity recorder
	ActivityRingSize      int
	ActivityRetentionDays int

	// Task validation limits
	MaxTitleLen    int
	MaxDescLen     int
	MaxTags        int
	MaxTagLen      int
	MaxCommentLen  int
	ReservedTitles []string

	// Rate Limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPITasks    string
	RateLimitWsIP        string
	RateLimitWsUser      string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	var err error
	if cfg.TokenTTL, err = getDurationOrDefault("TOKEN_TTL", 24*time.Hour); err != nil {
		errors = append(errors, err.Error())
	}

	// Gateway and recorder sizing
	if cfg.OutboundQueueDepth, err = getIntOrDefault("OUTBOUND_QUEUE_DEPTH", 256); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.ActivityRingSize, err = getIntOrDefault("ACTIVITY_RING_SIZE", 20); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.ActivityRetentionDays, err = getIntOrDefault("ACTIVITY_RETENTION_DAYS", 90); err != nil {
		errors = append(errors, err.Error())
	}

	// Task validation limits
	if cfg.MaxTitleLen, err = getIntOrDefault("MAX_TITLE_LEN", 200); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.MaxDescLen, err = getIntOrDefault("MAX_DESC_LEN", 1000); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.MaxTags, err = getIntOrDefault("MAX_TAGS", 10); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.MaxTagLen, err = getIntOrDefault("MAX_TAG_LEN", 50); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.MaxCommentLen, err = getIntOrDefault("MAX_COMMENT_LEN", 500); err != nil {
		errors = append(errors, err.Error())
	}
	cfg.ReservedTitles = DefaultReservedTitles
	if raw := os.Getenv("RESERVED_TITLES"); raw != "" {
		cfg.ReservedTitles = strings.Split(raw, ",")
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPITasks = getEnvOrDefault("RATE_LIMIT_API_TASKS", "300-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// IsReservedTitle reports whether title equals one of the reserved column
// names under case folding.
func (c *Config) IsReservedTitle(title string) bool {
	folded := strings.ToLower(strings.TrimSpace(title))
	for _, r := range c.ReservedTitles {
		if folded == strings.ToLower(r) {
			return true
		}
	}
	return false
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"outbound_queue_depth", cfg.OutboundQueueDepth,
		"activity_ring_size", cfg.ActivityRingSize,
		"activity_retention_days", cfg.ActivityRetentionDays,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer (got '%s')", key, raw)
	}
	return v, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (got '%s')", key, raw)
	}
	return d, nil
}
