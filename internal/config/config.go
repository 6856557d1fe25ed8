package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// DefaultModel is the text-generation model used when OPENAI_MODEL is unset
const DefaultModel = "gpt-5-mini-2025-08-07"

// Config holds the application configuration
type Config struct {
	// Environment
	Env string // "development" or "production"

	// GitHub (fallback token for `user add`; per-user tokens live in the store)
	GitHubToken string

	// OpenAI
	OpenAIAPIKey string
	OpenAIModel  string

	// Storage
	StorageType string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresURL string

	// Ingestion
	DaysBack  int
	QueueSize int

	// API Server
	APIPort string
	APIHost string

	// CLI
	APIEndpoint string
}

// Load loads the configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	return &Config{
		Env:          getEnv("APP_ENV", "development"),
		GitHubToken:  getEnv("GITHUB_TOKEN", ""),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", DefaultModel),
		StorageType:  getEnv("STORAGE_TYPE", "sqlite"),
		SQLitePath:   getEnv("SQLITE_PATH", "./devpulse.db"),
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		DaysBack:     getEnvInt("DAYS_BACK", 7),
		QueueSize:    getEnvInt("QUEUE_SIZE", 16),
		APIPort:      getEnv("API_PORT", "8080"),
		APIHost:      getEnv("API_HOST", "localhost"),
		APIEndpoint:  getEnv("API_ENDPOINT", "http://localhost:8080"),
	}, nil
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.StorageType != "sqlite" && c.StorageType != "postgres" {
		return &ConfigError{Field: "STORAGE_TYPE", Message: "must be 'sqlite' or 'postgres'"}
	}
	if c.StorageType == "postgres" && c.PostgresURL == "" {
		return &ConfigError{Field: "POSTGRES_URL", Message: "PostgreSQL URL is required when STORAGE_TYPE is 'postgres'"}
	}
	if c.DaysBack < 0 {
		return &ConfigError{Field: "DAYS_BACK", Message: "must be zero or positive"}
	}
	return nil
}

// ValidateGeneration checks the settings required for digest generation
func (c *Config) ValidateGeneration() error {
	if c.OpenAIAPIKey == "" {
		return &ConfigError{Field: "OPENAI_API_KEY", Message: "OpenAI API key is required for digest generation"}
	}
	return nil
}

// IsDev reports whether the app runs in development mode
func (c *Config) IsDev() bool {
	return c.Env != "production"
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
