package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Application settings
	AppEnv        string
	AppPort       int
	FrontendURL   string
	RunMigrations bool

	// Database settings
	DatabaseURL                string
	DatabaseMaxConnections     int
	DatabaseMaxIdleConnections int
	DatabaseConnectionLifetime time.Duration

	// Directory (LDAP) authentication
	EnableDirectoryAuth bool
	DirectoryURL        string
	DirectoryBaseDN     string
	DirectoryDomains    []string
	DirectoryTimeout    time.Duration

	// Local database authentication fallback
	EnableLocalAuth bool

	// Session token (JWT) settings
	SessionTokenSecret string
	SessionTokenTTL    time.Duration

	// CORS settings
	CORSAllowedOrigins   string
	CORSAllowCredentials bool

	// Logging
	LogLevel  string
	LogFormat string

	// NATS settings
	NATSURL string

	// Warehouse / domain defaults
	WarehouseLocation     string
	SafetyStockThresholdKG float64
	ExpiryWarningDays     int
	PartialPickTolerance  bool

	// Retry discipline (§4.4.6)
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	// Query concurrency / timeout guards
	MaxQueryRecords      int
	QueryTimeout         int
	MaxConcurrentQueries int

	// Login throttling (anti-brute-force)
	LoginRatePerSecond float64
	LoginRateBurst     int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        getEnv("APP_ENV", "development"),
		AppPort:       getEnvAsInt("APP_PORT", 8080),
		FrontendURL:   getEnv("FRONTEND_URL", "http://localhost:3000"),
		RunMigrations: getEnvAsBool("RUN_MIGRATIONS", false),

		DatabaseURL:                getEnv("DATABASE_URL", ""),
		DatabaseMaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 25),
		DatabaseMaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
		DatabaseConnectionLifetime: getEnvAsDuration("DATABASE_CONNECTION_LIFETIME", 5*time.Minute),

		EnableDirectoryAuth: getEnvAsBool("ENABLE_DIRECTORY_AUTH", true),
		DirectoryURL:        getEnv("DIRECTORY_URL", ""),
		DirectoryBaseDN:     getEnv("DIRECTORY_BASE_DN", ""),
		DirectoryDomains:    getEnvAsList("DIRECTORY_DOMAINS", []string{"NWFTH"}),
		DirectoryTimeout:    getEnvAsDuration("DIRECTORY_TIMEOUT", 5*time.Second),

		EnableLocalAuth: getEnvAsBool("ENABLE_LOCAL_AUTH", true),

		SessionTokenSecret: getEnv("SESSION_TOKEN_SECRET", ""),
		SessionTokenTTL:    getEnvAsDuration("SESSION_TOKEN_TTL", 12*time.Hour),

		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		CORSAllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", true),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		WarehouseLocation:      getEnv("WAREHOUSE_LOCATION", "TFC1"),
		SafetyStockThresholdKG: getEnvAsFloat("SAFETY_STOCK_THRESHOLD_KG", 50.0),
		ExpiryWarningDays:      getEnvAsInt("EXPIRY_WARNING_DAYS", 14),
		PartialPickTolerance:   getEnvAsBool("PARTIAL_PICK_TOLERANCE_ENABLED", true),

		RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Millisecond),
		RetryMaxDelay:    getEnvAsDuration("RETRY_MAX_DELAY", 64*time.Millisecond),
		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),

		MaxQueryRecords:      getEnvAsInt("MAX_QUERY_RECORDS", 100000),
		QueryTimeout:         getEnvAsInt("QUERY_TIMEOUT", 300),
		MaxConcurrentQueries: getEnvAsInt("MAX_CONCURRENT_QUERIES", 5),

		LoginRatePerSecond: getEnvAsFloat("LOGIN_RATE_PER_SECOND", 1.0),
		LoginRateBurst:     getEnvAsInt("LOGIN_RATE_BURST", 5),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SessionTokenSecret == "" {
		return fmt.Errorf("SESSION_TOKEN_SECRET is required")
	}
	if !c.EnableDirectoryAuth && !c.EnableLocalAuth {
		return fmt.Errorf("at least one of ENABLE_DIRECTORY_AUTH or ENABLE_LOCAL_AUTH must be true")
	}
	if c.EnableDirectoryAuth && c.DirectoryURL == "" {
		return fmt.Errorf("DIRECTORY_URL is required when ENABLE_DIRECTORY_AUTH is true")
	}
	return nil
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
