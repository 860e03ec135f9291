package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all engine configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Webhook  WebhookConfig
	Worker   WorkerConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	BaseURL     string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// EngineConfig holds run-engine settings
type EngineConfig struct {
	// StoreBackend is "memory" for MVP, "postgres" for production.
	StoreBackend       string
	AutoVersionOnRun   bool
	MaxVersionsPerFlow int
}

// WebhookConfig holds ingress settings
type WebhookConfig struct {
	// RequireSignatureInProduction forces signature checks when
	// Environment is "production" even if an endpoint opts out.
	RequireSignatureInProduction bool
	FreshnessWindow              time.Duration
	ReplayTTL                    time.Duration
	RateLimitPerMinute           int
}

// WorkerConfig holds dispatch settings
type WorkerConfig struct {
	DefaultTimeout    time.Duration
	LLMTimeout        time.Duration
	HTTPTimeout       time.Duration
	AllowMockFallback bool
	OpenAIAPIKey      string
	OpenAIModel       string
}

// Load loads configuration from the environment. A .env file is applied
// first when present so local development needs no exported variables.
func Load(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "waypoint"),
			User:        getEnv("POSTGRES_USER", "waypoint"),
			Password:    getEnv("POSTGRES_PASSWORD", "waypoint"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			StoreBackend:       getEnv("STORE_BACKEND", "memory"),
			AutoVersionOnRun:   getEnvBool("AUTO_VERSION_ON_RUN", true),
			MaxVersionsPerFlow: getEnvInt("MAX_VERSIONS_PER_FLOW", 0),
		},
		Webhook: WebhookConfig{
			RequireSignatureInProduction: getEnvBool("REQUIRE_SIGNATURE_IN_PRODUCTION", true),
			FreshnessWindow:              getEnvDuration("WEBHOOK_FRESHNESS_WINDOW", 5*time.Minute),
			ReplayTTL:                    getEnvDuration("WEBHOOK_REPLAY_TTL", 24*time.Hour),
			RateLimitPerMinute:           getEnvInt("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120),
		},
		Worker: WorkerConfig{
			DefaultTimeout:    getEnvDuration("WORKER_DEFAULT_TIMEOUT", 30*time.Second),
			LLMTimeout:        getEnvDuration("WORKER_LLM_TIMEOUT", 2*time.Minute),
			HTTPTimeout:       getEnvDuration("WORKER_HTTP_TIMEOUT", 30*time.Second),
			AllowMockFallback: getEnvBool("ALLOW_MOCK_FALLBACK", true),
			OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Engine.StoreBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid store backend: %q", c.Engine.StoreBackend)
	}

	if c.Engine.StoreBackend == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	}

	if c.Webhook.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness window must be positive")
	}

	if c.Production() && c.Worker.AllowMockFallback && c.Worker.OpenAIAPIKey == "" {
		// Mock fallback in production is allowed but worth flagging loudly;
		// validation stays permissive so staging setups keep working.
		fmt.Fprintln(os.Stderr, "warning: mock worker fallback enabled in production")
	}

	return nil
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return c.Service.Environment == "production"
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port address for Redis.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
