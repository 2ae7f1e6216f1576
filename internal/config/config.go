package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Gateway    GatewayConfig
	Terminal   TerminalConfig
	Webhook    WebhookConfig
	Reconciler ReconcilerConfig
	Logger     LoggerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int
	Host        string
	MetricsPort int
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// GatewayConfig holds payment gateway configuration
type GatewayConfig struct {
	BaseURL string // Base URL for the gateway API
	APIKey  string // Bearer key for gateway authentication
	Timeout int    // Request timeout in seconds
}

// TerminalConfig holds terminal polling configuration
type TerminalConfig struct {
	Vendor       string        // cloudpos or lanepoint
	BaseURL      string        // Device LAN endpoint
	APIKey       string        // Vendor credential (bearer key or merchant key)
	PollInterval time.Duration // Fixed interval between polls
	PollDeadline time.Duration // Hard cap on one polling loop
	MaxAttempts  int           // Attempt budget per polling loop
}

// WebhookConfig holds inbound notification receiver configuration
type WebhookConfig struct {
	SigningSecret string  // HMAC secret shared with the gateway
	RatePerSecond float64 // Per-IP rate limit
	RateBurst     int
	Workers       int // Asynchronous processing workers
	MaxRetries    int // Internal reprocessing attempts per event
}

// ReconcilerConfig holds reconciliation sweep configuration
type ReconcilerConfig struct {
	CronSecret   string        // Shared secret for the sweep endpoint
	SessionGrace time.Duration // How old a pending session must be before sweeping
	BatchSize    int32
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Development bool
}

// LoadFromEnv loads configuration from environment variables. A .env file in
// the working directory is honored when present.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvAsInt("SERVER_PORT", 8080),
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			MetricsPort: getEnvAsInt("METRICS_PORT", 9090),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "reconciliation_service"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvAsInt("DB_MIN_CONNS", 5)),
		},
		Gateway: GatewayConfig{
			BaseURL: getEnv("GATEWAY_BASE_URL", "https://sandbox.gateway.verdantpay.com/v1"),
			APIKey:  getEnv("GATEWAY_API_KEY", ""),
			Timeout: getEnvAsInt("GATEWAY_TIMEOUT", 10),
		},
		Terminal: TerminalConfig{
			Vendor:       getEnv("TERMINAL_VENDOR", "cloudpos"),
			BaseURL:      getEnv("TERMINAL_BASE_URL", "http://192.168.1.50:8443"),
			APIKey:       getEnv("TERMINAL_API_KEY", ""),
			PollInterval: getEnvAsDuration("TERMINAL_POLL_INTERVAL", 2*time.Second),
			PollDeadline: getEnvAsDuration("TERMINAL_POLL_DEADLINE", 90*time.Second),
			MaxAttempts:  getEnvAsInt("TERMINAL_MAX_ATTEMPTS", 40),
		},
		Webhook: WebhookConfig{
			SigningSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),
			RatePerSecond: getEnvAsFloat("WEBHOOK_RATE_PER_SECOND", 50),
			RateBurst:     getEnvAsInt("WEBHOOK_RATE_BURST", 100),
			Workers:       getEnvAsInt("WEBHOOK_WORKERS", 4),
			MaxRetries:    getEnvAsInt("WEBHOOK_MAX_RETRIES", 5),
		},
		Reconciler: ReconcilerConfig{
			CronSecret:   getEnv("CRON_SECRET", ""),
			SessionGrace: getEnvAsDuration("SWEEP_SESSION_GRACE", 5*time.Minute),
			BatchSize:    int32(getEnvAsInt("SWEEP_BATCH_SIZE", 100)),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	// Validate required fields
	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Gateway.APIKey == "" {
		return nil, fmt.Errorf("GATEWAY_API_KEY is required")
	}
	if cfg.Webhook.SigningSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SIGNING_SECRET is required")
	}

	return cfg, nil
}

// ConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
