package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	LogLevel    string
	APIToken    string

	LLMProvider     string
	AnthropicAPIKey string
	AnthropicModel  string
	GeminiAPIKey    string
	GeminiModel     string
	MaxTokens       int

	GenerationTimeout time.Duration
	HistoryLimit      int
	SessionCache      int

	Archive ArchiveConfig
}

type ArchiveConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether snapshots should be copied to object storage.
func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != ""
}

// Load reads the environment, after merging a .env file if one exists.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        envInt("KILN_PORT", 8760),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIToken:    envStr("KILN_API_TOKEN", ""),

		LLMProvider:     strings.ToLower(envStr("LLM_PROVIDER", "anthropic")),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("KILN_MODEL", "claude-sonnet-4-20250514"),
		GeminiAPIKey:    envStr("GEMINI_API_KEY", ""),
		GeminiModel:     envStr("GEMINI_MODEL", "gemini-2.0-flash"),
		MaxTokens:       envInt("KILN_MAX_TOKENS", 8192),

		GenerationTimeout: envDuration("KILN_GENERATION_TIMEOUT", 120*time.Second),
		HistoryLimit:      envInt("KILN_HISTORY_LIMIT", 10),
		SessionCache:      envInt("KILN_SESSION_CACHE", 1024),

		Archive: ArchiveConfig{
			Endpoint:  envStr("ARCHIVE_S3_ENDPOINT", ""),
			Region:    envStr("ARCHIVE_S3_REGION", "us-east-1"),
			AccessKey: envStr("ARCHIVE_S3_ACCESS_KEY", ""),
			SecretKey: envStr("ARCHIVE_S3_SECRET_KEY", ""),
			Bucket:    envStr("ARCHIVE_S3_BUCKET", "kiln-snapshots"),
			UseSSL:    envBool("ARCHIVE_S3_USE_SSL", true),
		},
	}
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
