package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RealtimeSourceApp      = "app"
	RealtimeSourcePostgres = "postgres"
)

type Config struct {
	Port             string
	DBUrl            string
	JWTSecret        string
	RedisURL         string
	AppEnv           string
	LogLevel         string
	RealtimeSource   string
	RequestTimeout   time.Duration
	MessageMaxLength int
	CORSAllowOrigins string
	EnableDocs       bool
	EnableMetrics    bool
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBUrl:            getEnv("DB_URL", ""),
		JWTSecret:        jwtSecret,
		RedisURL:         getEnv("REDIS_URL", ""),
		AppEnv:           normalizeEnv(getEnv("APP_ENV", "production")),
		LogLevel:         strings.ToLower(strings.TrimSpace(getEnv("LOG_LEVEL", "info"))),
		RealtimeSource:   strings.ToLower(strings.TrimSpace(getEnv("REALTIME_SOURCE", RealtimeSourceApp))),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		MessageMaxLength: getEnvInt("MESSAGE_MAX_LENGTH", 1000),
		CORSAllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
		EnableDocs:       getEnvBool("ENABLE_DOCS", false),
		EnableMetrics:    getEnvBool("METRICS_ENABLED", true),
	}

	if cfg.RealtimeSource != RealtimeSourceApp && cfg.RealtimeSource != RealtimeSourcePostgres {
		return nil, fmt.Errorf("REALTIME_SOURCE must be %q or %q", RealtimeSourceApp, RealtimeSourcePostgres)
	}
	if cfg.MessageMaxLength <= 0 {
		return nil, fmt.Errorf("MESSAGE_MAX_LENGTH must be positive")
	}

	return cfg, nil
}

// ClientConfig holds the defaults for command-line clients. Unlike Config it
// needs no server secrets; JWTSecret is only used to mint a local token.
type ClientConfig struct {
	ServerURL        string
	Token            string
	JWTSecret        string
	AppEnv           string
	LogLevel         string
	ReadReceiptDelay time.Duration
}

func LoadClientConfig() *ClientConfig {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		ServerURL:        strings.TrimSpace(getEnv("ZAPPY_SERVER", "")),
		Token:            strings.TrimSpace(getEnv("ZAPPY_TOKEN", "")),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		AppEnv:           normalizeEnv(getEnv("APP_ENV", "")),
		LogLevel:         strings.ToLower(strings.TrimSpace(getEnv("LOG_LEVEL", "info"))),
		ReadReceiptDelay: getEnvDuration("READ_RECEIPT_DELAY", time.Second),
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8080"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
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
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

// UsesPostgresNotify reports whether change events come from database
// triggers instead of being published by the service after commit.
func (c *Config) UsesPostgresNotify() bool {
	return c != nil && c.RealtimeSource == RealtimeSourcePostgres
}

// DocsEnabled reports whether the API reference is served. Docs are only
// ever exposed in development.
func (c *Config) DocsEnabled() bool {
	return c != nil && c.EnableDocs && c.IsDevelopment()
}
