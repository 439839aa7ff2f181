// Package config provides configuration for the surveychat service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xiaot623/surveychat/internal/domain"
)

// Config holds the service configuration.
type Config struct {
	Env string

	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Model collaborator
	Mode          string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	LLMTimeout    time.Duration
	ModelsFile    string

	// Conversation limits
	MaxAncestrySteps int
	MaxImportBytes   int64

	// Logging
	LogMode       string
	LogLevel      string
	LogRedaction  bool
	LogHashSecret string
}

// Load loads configuration from environment variables. In development a
// local .env file is read first when present.
func Load() *Config {
	if getEnv("APP_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	return &Config{
		Env:              getEnv("APP_ENV", "development"),
		HTTPPort:         getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:      getEnv("DATABASE_URL", "file:surveychat.db?cache=shared&mode=rwc"),
		Mode:             getEnv("AICHAT_MODE", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		LLMTimeout:       time.Duration(getEnvInt("LLM_TIMEOUT_MS", 60000)) * time.Millisecond,
		ModelsFile:       getEnv("MODELS_FILE", ""),
		MaxAncestrySteps: getEnvInt("MAX_ANCESTRY_STEPS", 1000),
		MaxImportBytes:   int64(getEnvInt("MAX_IMPORT_BYTES", 10<<20)),
		LogMode:          getEnv("LOG_MODE", "dev"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogRedaction:     getEnvBool("LOG_REDACTION_ENABLED", true),
		LogHashSecret:    getEnv("LOG_HASH_SALT", ""),
	}
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ModelCatalog is the YAML file listing the models pages may route to.
type ModelCatalog struct {
	Models []domain.Model `yaml:"models"`
}

// LoadModelCatalog reads and validates a model catalog file.
func LoadModelCatalog(path string) ([]domain.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseModelCatalog(data)
}

// ParseModelCatalog decodes a model catalog document.
func ParseModelCatalog(data []byte) ([]domain.Model, error) {
	var catalog ModelCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}
	seen := make(map[int64]bool, len(catalog.Models))
	for i, m := range catalog.Models {
		if m.ID <= 0 {
			return nil, fmt.Errorf("model #%d: id must be positive", i+1)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("model #%d: duplicate id %d", i+1, m.ID)
		}
		seen[m.ID] = true
		if strings.TrimSpace(m.ProviderModel) == "" {
			return nil, fmt.Errorf("model %d: provider_model is required", m.ID)
		}
		if m.Name == "" {
			catalog.Models[i].Name = m.ProviderModel
		}
	}
	return catalog.Models, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return defaultVal
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
