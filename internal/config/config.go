// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Interpreter settings
	InterpreterBackend   string
	InterpreterTimeout   time.Duration
	InterpreterRetryWait time.Duration
	AnthropicAPIKey      string
	OpenAIAPIKey         string
	DefaultLLM           string
	LLMModel             string

	// Calendar settings
	CalendarProvider      string
	DatabaseDSN           string
	GoogleCredentialsFile string
	GoogleAPIKey          string
	GoogleCalendarID      string

	// Sessions
	SessionTTL    time.Duration
	SweepSchedule string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Scheduling policy
	PolicyFile string
	Policy     *Policy
}

// Load reads configuration from a .env file if present, then the
// environment, then the policy file it names.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		CORSOrigins:        getListEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Interpreter
		InterpreterBackend:   getEnv("INTERPRETER_BACKEND", "auto"),
		InterpreterTimeout:   getDurationEnv("INTERPRETER_TIMEOUT", 30*time.Second),
		InterpreterRetryWait: getDurationEnv("INTERPRETER_RETRY_WAIT", 500*time.Millisecond),
		AnthropicAPIKey:      getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:           getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:             getEnv("LLM_MODEL", ""),

		// Calendar
		CalendarProvider:      getEnv("CALENDAR_PROVIDER", "memory"),
		DatabaseDSN:           getEnv("DATABASE_DSN", "data/calendar.db"),
		GoogleCredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", ""),
		GoogleAPIKey:          getEnv("GOOGLE_API_KEY", ""),
		GoogleCalendarID:      getEnv("GOOGLE_CALENDAR_ID", "primary"),

		// Sessions
		SessionTTL:    getDurationEnv("SESSION_TTL", 30*time.Minute),
		SweepSchedule: getEnv("SESSION_SWEEP_SCHEDULE", "@every 1m"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		PolicyFile: getEnv("POLICY_FILE", "policy.yaml"),
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	if v := getFloatEnv("CONFIDENCE_THRESHOLD", 0); v > 0 && v <= 1 {
		policy.ConfidenceThreshold = v
	}
	cfg.Policy = policy
	return cfg, nil
}

// UseLLM reports whether the interpreter should use a language model.
func (c *Config) UseLLM() bool {
	switch c.InterpreterBackend {
	case "keyword":
		return false
	case "llm":
		return true
	default:
		return c.AnthropicAPIKey != "" || c.OpenAIAPIKey != ""
	}
}

// LLMAPIKey returns the key for the configured LLM provider.
func (c *Config) LLMAPIKey() string {
	if c.DefaultLLM == "openai" {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
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

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
