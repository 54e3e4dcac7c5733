package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the companion service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	PersonaLocale string

	CompletionAdapterMode   string
	CompletionGenerateURL   string
	CompletionOpenAIBaseURL string
	CompletionOpenAIAPIKey  string
	CompletionModel         string
	CompletionStream        bool
	ClassifyTimeout         time.Duration
	GenerateTimeout         time.Duration
	CompletionMaxRetries    int

	MemoryBackend      string
	MemoryDir          string
	MemorySQLitePath   string
	DatabaseURL        string
	MemoryHistoryLimit int
	MemoryContextTurns int
	MemoryRedactPII    bool
}

// LoadDotEnv loads .env.local and .env from the working directory when they
// exist. Variables already set in the environment win.
func LoadDotEnv() {
	if v, _ := boolFromEnv("XIAONUAN_DISABLE_DOTENV", false); v {
		return
	}
	for _, path := range []string{".env.local", ".env"} {
		err := godotenv.Load(path)
		switch {
		case err == nil:
			log.Printf("loaded environment from %s", path)
		case errors.Is(err, fs.ErrNotExist):
		default:
			log.Printf("skip %s: %v", path, err)
		}
	}
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "xiaonuan"),
		PersonaLocale:    strings.ToLower(envOrDefault("PERSONA_LOCALE", "zh")),

		CompletionAdapterMode: strings.ToLower(envOrDefault("COMPLETION_ADAPTER_MODE", "auto")),
		// Ollama's native endpoint, as the original scripts used.
		CompletionGenerateURL:   envOrDefault("COMPLETION_GENERATE_URL", "http://localhost:11434/api/generate"),
		CompletionOpenAIBaseURL: stringsTrimSpace("COMPLETION_OPENAI_BASE_URL"),
		CompletionOpenAIAPIKey:  stringsTrimSpace("COMPLETION_OPENAI_API_KEY"),
		CompletionModel:         envOrDefault("COMPLETION_MODEL", "qwen2:0.5b"),

		MemoryBackend:    strings.ToLower(envOrDefault("MEMORY_BACKEND", "auto")),
		MemoryDir:        envOrDefault("MEMORY_DIR", "."),
		MemorySQLitePath: stringsTrimSpace("MEMORY_SQLITE_PATH"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		ClassifyTimeout:          30 * time.Second,
		GenerateTimeout:          60 * time.Second,
		MemoryHistoryLimit:       50,
		MemoryContextTurns:       3,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionStream, err = boolFromEnv("COMPLETION_STREAM", cfg.CompletionStream)
	if err != nil {
		return Config{}, err
	}
	cfg.ClassifyTimeout, err = durationFromEnv("COMPLETION_CLASSIFY_TIMEOUT", cfg.ClassifyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("COMPLETION_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionMaxRetries, err = intFromEnv("COMPLETION_MAX_RETRIES", cfg.CompletionMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryHistoryLimit, err = intFromEnv("MEMORY_HISTORY_LIMIT", cfg.MemoryHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryContextTurns, err = intFromEnv("MEMORY_CONTEXT_TURNS", cfg.MemoryContextTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.MemoryRedactPII)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ClassifyTimeout <= 0 || cfg.GenerateTimeout <= 0 {
		return Config{}, fmt.Errorf("COMPLETION_CLASSIFY_TIMEOUT and COMPLETION_GENERATE_TIMEOUT must be positive")
	}
	if cfg.CompletionMaxRetries < 0 {
		return Config{}, fmt.Errorf("COMPLETION_MAX_RETRIES must be >= 0")
	}
	if cfg.MemoryHistoryLimit <= 0 {
		return Config{}, fmt.Errorf("MEMORY_HISTORY_LIMIT must be positive")
	}
	if cfg.MemoryContextTurns <= 0 {
		return Config{}, fmt.Errorf("MEMORY_CONTEXT_TURNS must be positive")
	}
	switch cfg.PersonaLocale {
	case "zh", "en":
	default:
		return Config{}, fmt.Errorf("PERSONA_LOCALE must be zh or en")
	}
	switch cfg.CompletionAdapterMode {
	case "auto", "generate", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("COMPLETION_ADAPTER_MODE must be one of auto|generate|openai|mock")
	}
	switch cfg.MemoryBackend {
	case "auto", "file", "sqlite", "postgres", "memory":
	default:
		return Config{}, fmt.Errorf("MEMORY_BACKEND must be one of auto|file|sqlite|postgres|memory")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
