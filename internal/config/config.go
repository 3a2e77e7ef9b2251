// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	APIKey      string
	SessionTTL  time.Duration
	Model       ModelConfig
	Relay       RelayConfig
	AuditLog    AuditLogConfig
}

// ModelConfig controls the connection to the local inference backend.
type ModelConfig struct {
	BaseURL    string
	Name       string
	Timeout    time.Duration
	MaxRetries int
}

// RelayConfig controls session turn handling and rate limiting.
type RelayConfig struct {
	// SystemPromptFile overrides the built-in system prompt when set.
	SystemPromptFile      string
	MaxToolDepth          int
	ToolTimeout           time.Duration
	ConfirmTimeout        time.Duration
	TranscriptMaxMessages int
	TranscriptKeepRecent  int
	RateLimitRequests     int
	RateLimitWindow       time.Duration
}

// AuditLogConfig controls NDJSON audit logging.
type AuditLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("AUDIT_LOG_QUEUE_SIZE", 256)
	if queueSize <= 0 {
		queueSize = 256
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/veilway.db"),
		APIKey:      getEnv("API_KEY", ""),
		SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),
		Model: ModelConfig{
			BaseURL:    getEnv("MODEL_URL", "http://localhost:11434"),
			Name:       getEnv("MODEL_NAME", "llama3.1:8b"),
			Timeout:    getEnvDuration("MODEL_TIMEOUT", 2*time.Minute),
			MaxRetries: getEnvInt("MODEL_MAX_RETRIES", 2),
		},
		Relay: RelayConfig{
			SystemPromptFile:      getEnv("SYSTEM_PROMPT_FILE", ""),
			MaxToolDepth:          getEnvInt("MAX_TOOL_DEPTH", 5),
			ToolTimeout:           getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
			ConfirmTimeout:        getEnvDuration("CONFIRM_TIMEOUT", 5*time.Minute),
			TranscriptMaxMessages: getEnvInt("TRANSCRIPT_MAX_MESSAGES", 20),
			TranscriptKeepRecent:  getEnvInt("TRANSCRIPT_KEEP_RECENT", 10),
			RateLimitRequests:     getEnvInt("RATE_LIMIT_REQUESTS", 30),
			RateLimitWindow:       getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		AuditLog: AuditLogConfig{
			Enabled:   getEnvBool("AUDIT_LOG_ENABLED", true),
			Dir:       getEnv("AUDIT_LOG_DIR", "./data/logs/audit"),
			QueueSize: queueSize,
		},
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("MODEL_URL cannot be empty")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.Relay.MaxToolDepth <= 0 {
		return fmt.Errorf("MAX_TOOL_DEPTH must be > 0")
	}
	if c.Relay.TranscriptKeepRecent >= c.Relay.TranscriptMaxMessages {
		return fmt.Errorf("TRANSCRIPT_KEEP_RECENT must be < TRANSCRIPT_MAX_MESSAGES")
	}
	if c.AuditLog.Enabled && c.AuditLog.Dir == "" {
		return fmt.Errorf("AUDIT_LOG_DIR cannot be empty")
	}
	if c.AuditLog.QueueSize <= 0 {
		return fmt.Errorf("AUDIT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
