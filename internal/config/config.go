// Package config provides layered configuration for mailrag:
// defaults, then a YAML file, then a .env file, then the process environment.
// Environment variables always win.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. MAILRAG_CONFIG environment variable
//  3. ~/.mailrag/config.yaml
//  4. ./mailrag.yaml
//
// If no file is found the system runs entirely from env vars. Components
// read their settings back through the typed *FromEnv helpers in this
// package or their own ConfigFromEnv functions.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the chat model used for routing and generation.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding backend.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// VectorStore selects and configures the vector index.
	VectorStore VectorStoreConfig `yaml:"vector_store"`

	// Workflow tunes retrieval and conversation memory.
	Workflow WorkflowConfig `yaml:"workflow"`

	// Retry bounds retries at every network boundary.
	Retry RetryConfig `yaml:"retry"`

	// Indexer tunes chunking and indexing concurrency.
	Indexer IndexerConfig `yaml:"indexer"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, bedrock, gemini.
	Provider string `yaml:"provider"`
	// MaxTokens is the default answer length cap.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature is the default sampling temperature.
	Temperature float32 `yaml:"temperature"`

	Ollama  OllamaConfig  `yaml:"ollama"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Azure   AzureConfig   `yaml:"azure"`
	Bedrock BedrockConfig `yaml:"bedrock"`
	Gemini  GeminiConfig  `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// BedrockConfig holds settings for the Bedrock-compatible backend.
type BedrockConfig struct {
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
	BaseURL string `yaml:"base_url"`
	// APIKey is the gateway key. Prefer env var BEDROCK_API_KEY.
	APIKey string `yaml:"api_key"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// EmbeddingConfig holds embedding backend settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure, gemini).
	// Defaults to the chat provider.
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// VectorStoreConfig selects the vector index.
type VectorStoreConfig struct {
	// Backend is memory, sqlite or qdrant.
	Backend string `yaml:"backend"`
	// SQLitePath is the index file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`
	// Qdrant holds connection settings for the qdrant backend.
	Qdrant QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// CollectionPrefix is prepended to every per-tenant collection name.
	CollectionPrefix string `yaml:"collection_prefix"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

// WorkflowConfig tunes retrieval and conversation memory.
type WorkflowConfig struct {
	// FetchMultiplier scales top_k into the number of candidates fetched.
	FetchMultiplier int `yaml:"fetch_multiplier"`
	// HistoryWindow is the number of messages kept per thread.
	HistoryWindow int `yaml:"history_window"`
	// HistoryTokens is the estimated prompt budget for history.
	HistoryTokens int `yaml:"history_tokens"`
	// CheckpointTTL is how long an idle thread is remembered, e.g. "30m".
	CheckpointTTL string `yaml:"checkpoint_ttl"`
}

// RetryConfig bounds retries.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// InitialInterval is a duration string, e.g. "200ms".
	InitialInterval string `yaml:"initial_interval"`
	// MaxInterval is a duration string, e.g. "2s".
	MaxInterval string `yaml:"max_interval"`
}

// IndexerConfig tunes chunking and indexing.
type IndexerConfig struct {
	MaxChars     int `yaml:"max_chars"`
	OverlapChars int `yaml:"overlap_chars"`
	Concurrency  int `yaml:"concurrency"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var MAILRAG_API_KEY.
	APIKey    string  `yaml:"api_key"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// ChatTimeout bounds one turn, e.g. "2m".
	ChatTimeout string `yaml:"chat_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"OPENAI_BASE_URL", func(c *Config) string { return c.Model.OpenAI.BaseURL }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"AWS_REGION", func(c *Config) string { return c.Model.Bedrock.Region }},
	{"BEDROCK_MODEL_ID", func(c *Config) string { return c.Model.Bedrock.ModelID }},
	{"BEDROCK_BASE_URL", func(c *Config) string { return c.Model.Bedrock.BaseURL }},
	{"BEDROCK_API_KEY", func(c *Config) string { return c.Model.Bedrock.APIKey }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"MAILRAG_VECTOR_STORE", func(c *Config) string { return c.VectorStore.Backend }},
	{"MAILRAG_SQLITE_PATH", func(c *Config) string { return c.VectorStore.SQLitePath }},
	{"QDRANT_HOST", func(c *Config) string { return c.VectorStore.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.VectorStore.Qdrant.Port) }},
	{"QDRANT_COLLECTION_PREFIX", func(c *Config) string { return c.VectorStore.Qdrant.CollectionPrefix }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.VectorStore.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.VectorStore.Qdrant.TLS) }},
	{"MAILRAG_FETCH_MULTIPLIER", func(c *Config) string { return intStr(c.Workflow.FetchMultiplier) }},
	{"MAILRAG_HISTORY_WINDOW", func(c *Config) string { return intStr(c.Workflow.HistoryWindow) }},
	{"MAILRAG_HISTORY_TOKENS", func(c *Config) string { return intStr(c.Workflow.HistoryTokens) }},
	{"MAILRAG_CHECKPOINT_TTL", func(c *Config) string { return c.Workflow.CheckpointTTL }},
	{"MAILRAG_RETRY_MAX_ATTEMPTS", func(c *Config) string { return intStr(c.Retry.MaxAttempts) }},
	{"MAILRAG_RETRY_INITIAL_INTERVAL", func(c *Config) string { return c.Retry.InitialInterval }},
	{"MAILRAG_RETRY_MAX_INTERVAL", func(c *Config) string { return c.Retry.MaxInterval }},
	{"MAILRAG_CHUNK_MAX_CHARS", func(c *Config) string { return intStr(c.Indexer.MaxChars) }},
	{"MAILRAG_CHUNK_OVERLAP_CHARS", func(c *Config) string { return intStr(c.Indexer.OverlapChars) }},
	{"MAILRAG_INDEX_CONCURRENCY", func(c *Config) string { return intStr(c.Indexer.Concurrency) }},
	{"MAILRAG_HOST", func(c *Config) string { return c.Server.Host }},
	{"MAILRAG_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"MAILRAG_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"MAILRAG_RATE_LIMIT", func(c *Config) string { return float64Str(c.Server.RateLimit) }},
	{"MAILRAG_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"MAILRAG_CHAT_TIMEOUT", func(c *Config) string { return c.Server.ChatTimeout }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// EnvKeys returns every environment variable the YAML file can set.
func EnvKeys() []string {
	keys := make([]string, len(envMapping))
	for i, m := range envMapping {
		keys[i] = m.envKey
	}
	return keys
}

// Load reads ./.env (if present) and then a YAML config file, applying
// non-empty values as environment variables. Existing env vars are never
// overwritten, and .env values win over YAML.
// Returns the YAML path that was loaded, or empty string if none was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return "", err
	}

	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// LoadDotEnv applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: failed to load %s: %w", path, err)
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("MAILRAG_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".mailrag", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("mailrag.yaml"); err == nil {
		return "mailrag.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	return float64Str(float64(v))
}

func float64Str(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
