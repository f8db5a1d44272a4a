package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the chat core service
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL string
	AutoMigrate bool

	// Redis
	RedisURL string

	// Auth
	JWTSecret string

	// Upstream
	UpstreamProvider       string
	DefaultModel           string
	OpenAIBaseURL          string
	AnthropicBaseURL       string
	GeminiBaseURL          string
	UpstreamConnectTimeout time.Duration
	UpstreamReadTimeout    time.Duration

	// Credential pool
	CredentialsFile     string
	UpstreamAPIKeys     string
	DefaultKeyRateLimit int
	Credentials         []CredentialConfig

	// Generation lifecycle
	GenerationTimeout time.Duration
	GenerationTTL     time.Duration
	CleanupGrace      time.Duration
	MaxPromptChars    int
	SystemPromptName  string
	PromptCacheTTL    time.Duration

	// Limits
	FreeMessageLimit int
	UserRateLimit    int

	// Background tasks
	TaskWorkers   int
	TaskQueueSize int

	CollaboratorTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		AutoMigrate:            getEnvBool("AUTO_MIGRATE", true),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		UpstreamProvider:       getEnv("UPSTREAM_PROVIDER", "google"),
		DefaultModel:           getEnv("DEFAULT_MODEL", "gemini-2.5-flash"),
		OpenAIBaseURL:          getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicBaseURL:       getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		GeminiBaseURL:          getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		UpstreamConnectTimeout: getEnvDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		UpstreamReadTimeout:    getEnvDuration("UPSTREAM_READ_TIMEOUT", 60*time.Second),
		CredentialsFile:        getEnv("CREDENTIALS_FILE", ""),
		UpstreamAPIKeys:        getEnv("UPSTREAM_API_KEYS", ""),
		DefaultKeyRateLimit:    getEnvInt("DEFAULT_KEY_RATE_LIMIT", 15),
		GenerationTimeout:      getEnvDuration("GENERATION_TIMEOUT", 5*time.Minute),
		GenerationTTL:          getEnvDuration("GENERATION_TTL", time.Hour),
		CleanupGrace:           getEnvDuration("CLEANUP_GRACE", 5*time.Minute),
		MaxPromptChars:         getEnvInt("MAX_PROMPT_CHARS", 16000),
		SystemPromptName:       getEnv("SYSTEM_PROMPT_NAME", "default"),
		PromptCacheTTL:         getEnvDuration("PROMPT_CACHE_TTL", 10*time.Minute),
		FreeMessageLimit:       getEnvInt("FREE_MESSAGE_LIMIT", 50),
		UserRateLimit:          getEnvInt("USER_RATE_LIMIT", 20),
		TaskWorkers:            getEnvInt("TASK_WORKERS", 4),
		TaskQueueSize:          getEnvInt("TASK_QUEUE_SIZE", 256),
		CollaboratorTimeout:    getEnvDuration("COLLABORATOR_TIMEOUT", 5*time.Second),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.UpstreamProvider {
	case "openai", "anthropic", "google":
	default:
		return nil, fmt.Errorf("UPSTREAM_PROVIDER must be one of openai, anthropic, google (got %q)", cfg.UpstreamProvider)
	}

	creds, err := loadCredentials(cfg)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("at least one upstream credential is required (CREDENTIALS_FILE or UPSTREAM_API_KEYS)")
	}
	cfg.Credentials = creds

	if cfg.GenerationTimeout <= 0 {
		return nil, fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if cfg.TaskWorkers <= 0 {
		cfg.TaskWorkers = 1
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
