package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser    string
	DBPass    string
	DBHost    string
	DBPort    string
	DBName    string
	SSLMode   string
	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	ApiPort    string
	ApiEnabled string

	ProviderName    string
	ProviderBaseURL string
	ProviderSecret  string
	ProviderTimeout time.Duration
	SourceAccount   string

	MinWithdrawal    int64
	MaxWithdrawal    int64
	MaxDailyAttempts int64
}

// New loads and validates configuration from environment variables.
// HTTP server is optional: if PAYRAIL_API_ENABLED != "true", ApiAddr() returns
// an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:    os.Getenv("PAYRAIL_POSTGRES_USER"),
		DBPass:    os.Getenv("PAYRAIL_POSTGRES_PASSWORD"),
		DBHost:    os.Getenv("PAYRAIL_POSTGRES_HOST"),
		DBPort:    os.Getenv("PAYRAIL_POSTGRES_PORT"),
		DBName:    os.Getenv("PAYRAIL_POSTGRES_DB"),
		SSLMode:   os.Getenv("PAYRAIL_POSTGRES_SSLMODE"),
		RedisHost: os.Getenv("PAYRAIL_REDIS_HOST"),
		RedisPort: os.Getenv("PAYRAIL_REDIS_PORT"),
		NatsHost:  os.Getenv("PAYRAIL_NATS_HOST"),
		NatsPort:  os.Getenv("PAYRAIL_NATS_PORT"),

		ApiPort:    os.Getenv("PAYRAIL_API_PORT"),
		ApiEnabled: os.Getenv("PAYRAIL_API_ENABLED"),

		ProviderName:    os.Getenv("PAYRAIL_PROVIDER_NAME"),
		ProviderBaseURL: os.Getenv("PAYRAIL_PROVIDER_BASE_URL"),
		ProviderSecret:  os.Getenv("PAYRAIL_PROVIDER_SECRET"),
		ProviderTimeout: getEnvDuration("PAYRAIL_PROVIDER_TIMEOUT", 30*time.Second),
		SourceAccount:   os.Getenv("PAYRAIL_SOURCE_ACCOUNT"),

		MinWithdrawal:    getEnvInt64("PAYRAIL_MIN_WITHDRAWAL", 100),
		MaxWithdrawal:    getEnvInt64("PAYRAIL_MAX_WITHDRAWAL", 10_000_000),
		MaxDailyAttempts: getEnvInt64("PAYRAIL_MAX_DAILY_ATTEMPTS", 5),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: PAYRAIL_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: PAYRAIL_REDIS_HOST/PORT")
	}

	// Required: nats
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: PAYRAIL_NATS_HOST/PORT")
	}

	// Required: payout provider
	if cfg.ProviderName == "" || cfg.ProviderBaseURL == "" || cfg.ProviderSecret == "" {
		return nil, fmt.Errorf("missing required env for provider: PAYRAIL_PROVIDER_NAME/BASE_URL/SECRET")
	}
	if cfg.SourceAccount == "" {
		return nil, fmt.Errorf("missing required env: PAYRAIL_SOURCE_ACCOUNT")
	}

	if cfg.MinWithdrawal <= 0 || cfg.MaxWithdrawal < cfg.MinWithdrawal {
		return nil, fmt.Errorf("invalid withdrawal limits: min=%d max=%d", cfg.MinWithdrawal, cfg.MaxWithdrawal)
	}
	if cfg.MaxDailyAttempts <= 0 {
		return nil, fmt.Errorf("invalid PAYRAIL_MAX_DAILY_ATTEMPTS: %d", cfg.MaxDailyAttempts)
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if PAYRAIL_API_ENABLED != "true" — callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("PAYRAIL_API_PORT is required when PAYRAIL_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (PAYRAIL_API_ENABLED != true)")
}

func getEnvInt64(key string, defaultVal int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int64
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
