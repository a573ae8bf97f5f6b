// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// tablePrefixPattern limits DATABASE_TABLE_PREFIX to characters safe in
// unquoted SQL identifiers.
var tablePrefixPattern = regexp.MustCompile(`^[a-z0-9_]*$`)

// Config holds all relay server configuration.
type Config struct {
	Port     string
	GRPCPort string
	DBPath   string
	// DatabaseURL selects the Postgres repository instead of SQLite when set.
	DatabaseURL string
	// TablePrefix is prepended to Postgres table names, e.g. "dev_".
	TablePrefix string
	// WebhookURL is the assistant workflow. Empty means the built-in
	// simulator answers.
	WebhookURL  string
	CORSOrigins []string
	IntentsFile string

	MessageRetention  time.Duration
	RetentionInterval time.Duration

	RateLimit RateLimitConfig
	WebSocket WebSocketConfig
	Timeout   TimeoutConfig

	MaxRequestBodySize int64

	// Debug enables debug-level logging.
	Debug bool
}

// RateLimitConfig bounds chat-handler requests per chat.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// WebSocketConfig controls the push endpoint.
type WebSocketConfig struct {
	KeepaliveInterval time.Duration
	ReplayQueueSize   int
}

// TimeoutConfig holds server-side timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Webhook     time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCPort:          getEnv("GRPC_PORT", "9090"),
		DBPath:            getEnv("DB_PATH", "./data/connexi.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		TablePrefix:       getEnv("DATABASE_TABLE_PREFIX", ""),
		WebhookURL:        getEnv("WEBHOOK_URL", ""),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"*"}),
		IntentsFile:       getEnv("INTENTS_FILE", ""),
		MessageRetention:  getEnvDuration("MESSAGE_RETENTION", 30*24*time.Hour),
		RetentionInterval: getEnvDuration("RETENTION_INTERVAL", 5*time.Minute),
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		WebSocket: WebSocketConfig{
			KeepaliveInterval: getEnvDuration("WS_KEEPALIVE_INTERVAL", 25*time.Second),
			ReplayQueueSize:   getEnvInt("REPLAY_QUEUE_SIZE", 100),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Webhook:     getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 64<<10)),
		Debug:              getEnvBool("DEBUG", false),
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
	if c.GRPCPort == "" {
		return fmt.Errorf("GRPC_PORT cannot be empty")
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty when DATABASE_URL is not set")
	}
	if !tablePrefixPattern.MatchString(c.TablePrefix) {
		return fmt.Errorf("DATABASE_TABLE_PREFIX may only contain lowercase letters, digits and underscores")
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("WEBHOOK_URL must be an http(s) URL")
	}
	if c.MessageRetention < 0 {
		return fmt.Errorf("MESSAGE_RETENTION must be >= 0")
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.WebSocket.KeepaliveInterval <= 0 {
		return fmt.Errorf("WS_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.WebSocket.ReplayQueueSize <= 0 {
		return fmt.Errorf("REPLAY_QUEUE_SIZE must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	return nil
}

// UsePostgres reports whether rows are stored in Postgres.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
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

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
