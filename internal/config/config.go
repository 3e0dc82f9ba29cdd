package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ValidAI engine server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Secrets   SecretsConfig
	Service   ServiceConfig
	Providers ProvidersConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// StorageConfig points at the document storage HTTP API.
type StorageConfig struct {
	BaseURL string
	Token   string
	Bucket  string
	Timeout time.Duration
}

// SecretsConfig carries the key used to decrypt tenant provider credentials.
type SecretsConfig struct {
	// Key is the raw 32-byte AES key, decoded from hex.
	Key []byte
}

// ServiceConfig covers the internal wire contract: the service-role token
// authorizes background invocations and system-triggered runs.
type ServiceConfig struct {
	RoleToken string
}

type ProvidersConfig struct {
	Anthropic AnthropicConfig
	Google    GoogleConfig
	Mistral   MistralConfig
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// UseFilesAPI selects the Files API document mode. When false the legacy
	// inline-bytes mode is used, paying the document cost on every call.
	UseFilesAPI bool
}

type GoogleConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type MistralConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("VALIDAI_PORT", 8080),
			Env:  envString("VALIDAI_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			BaseURL: os.Getenv("STORAGE_BASE_URL"),
			Token:   os.Getenv("STORAGE_TOKEN"),
			Bucket:  envString("STORAGE_BUCKET", "documents"),
			Timeout: envDuration("STORAGE_TIMEOUT", 60*time.Second),
		},
		Service: ServiceConfig{
			RoleToken: os.Getenv("SERVICE_ROLE_TOKEN"),
		},
		Providers: ProvidersConfig{
			Anthropic: AnthropicConfig{
				APIKey:      os.Getenv("ANTHROPIC_API_KEY"),
				Model:       envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				BaseURL:     envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				UseFilesAPI: envBool("ANTHROPIC_USE_FILES_API", true),
			},
			Google: GoogleConfig{
				APIKey:  os.Getenv("GEMINI_API_KEY"),
				Model:   envString("GEMINI_MODEL", "gemini-2.5-flash"),
				BaseURL: envString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
			},
			Mistral: MistralConfig{
				APIKey:  os.Getenv("MISTRAL_API_KEY"),
				Model:   envString("MISTRAL_MODEL", "mistral-large-latest"),
				BaseURL: envString("MISTRAL_BASE_URL", "https://api.mistral.ai"),
			},
		},
	}

	if raw := os.Getenv("CREDENTIALS_ENCRYPTION_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("CREDENTIALS_ENCRYPTION_KEY must be hex-encoded: %w", err)
		}
		cfg.Secrets.Key = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.BaseURL != "" &&
		!strings.HasPrefix(c.Storage.BaseURL, "http://") && !strings.HasPrefix(c.Storage.BaseURL, "https://") {
		return fmt.Errorf("STORAGE_BASE_URL must start with http:// or https://, got %q", c.Storage.BaseURL)
	}

	if c.Service.RoleToken == "" {
		return fmt.Errorf("SERVICE_ROLE_TOKEN is required")
	}

	if len(c.Secrets.Key) != 0 && len(c.Secrets.Key) != 32 {
		return fmt.Errorf("CREDENTIALS_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(c.Secrets.Key))
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
