package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Model backends
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	AgentProvider   string // backend for calendar runs
	QAProvider      string // backend for question answering
	MaxTokens       int
	SystemPrompt    string
	Timezone        *time.Location

	// Static sessions for development: user id -> bcrypt hash of the token
	SessionTokens map[string]string

	// Limits
	MaxBodyBytes       int64
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations

	// Approvals
	ApprovalTimeout time.Duration
	ApprovalTTL     time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnv("SQLITE_PATH", "./data/concierge.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		MaxTokens:        getInt("MAX_TOKENS", 4096),
		SystemPrompt:     os.Getenv("SYSTEM_PROMPT"),
		Timezone:         getLocation("TIMEZONE"),
		SessionTokens:    parsePairs(os.Getenv("SESSION_TOKENS")),
		MaxBodyBytes:     int64(getInt("MAX_BODY_BYTES", 10<<20)),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
		ApprovalTimeout:  getDuration("APPROVAL_TIMEOUT", 30*time.Second),
		ApprovalTTL:      getDuration("APPROVAL_TTL", 60*time.Second),
	}
	cfg.AgentProvider = getEnv("AGENT_PROVIDER", cfg.defaultProvider())
	cfg.QAProvider = getEnv("QA_PROVIDER", cfg.AgentProvider)

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// defaultProvider prefers Anthropic when both keys are present.
func (c *Config) defaultProvider() string {
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey != "" {
		return ProviderOpenAI
	}
	return ProviderAnthropic
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

// getDuration accepts Go durations ("45s") or plain milliseconds ("45000").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getLocation(key string) *time.Location {
	loc, err := time.LoadLocation(os.Getenv(key))
	if err != nil {
		return time.UTC
	}
	return loc
}

// parsePairs reads comma-separated key:value pairs. Values may contain ':'.
func parsePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
