package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Vector store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendQdrant = "qdrant"
)

// VectorStore is the resolved vector index selection.
type VectorStore struct {
	Backend          string
	SQLitePath       string
	QdrantHost       string
	QdrantPort       int
	CollectionPrefix string
	QdrantAPIKey     string
	QdrantTLS        bool
}

// Workflow is the resolved retrieval and memory tuning. Zero values select
// each component's default.
type Workflow struct {
	FetchMultiplier int
	HistoryWindow   int
	HistoryTokens   int
	CheckpointTTL   time.Duration
}

// Retry is the resolved retry bound. Zero values select the retry
// package defaults.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Indexer is the resolved chunking and concurrency tuning.
type Indexer struct {
	MaxChars     int
	OverlapChars int
	Concurrency  int
}

// Server is the resolved HTTP server configuration.
type Server struct {
	Host        string
	Port        int
	APIKey      string
	RateLimit   float64
	RateBurst   int
	ChatTimeout time.Duration
}

// VectorStoreFromEnv resolves the vector store selection. The default
// backend is sqlite at ~/.mailrag/index.db.
func VectorStoreFromEnv() (VectorStore, error) {
	vs := VectorStore{
		Backend:          strings.ToLower(envOr("MAILRAG_VECTOR_STORE", BackendSQLite)),
		SQLitePath:       os.Getenv("MAILRAG_SQLITE_PATH"),
		QdrantHost:       envOr("QDRANT_HOST", "localhost"),
		CollectionPrefix: os.Getenv("QDRANT_COLLECTION_PREFIX"),
		QdrantAPIKey:     os.Getenv("QDRANT_API_KEY"),
	}
	var err error
	if vs.QdrantPort, err = envInt("QDRANT_PORT", 6334); err != nil {
		return vs, err
	}
	if vs.QdrantTLS, err = envBool("QDRANT_TLS"); err != nil {
		return vs, err
	}

	switch vs.Backend {
	case BackendMemory, BackendQdrant:
	case BackendSQLite:
		if vs.SQLitePath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return vs, fmt.Errorf("config: could not determine home directory: %w", err)
			}
			vs.SQLitePath = filepath.Join(home, ".mailrag", "index.db")
		}
	default:
		return vs, fmt.Errorf("config: MAILRAG_VECTOR_STORE must be memory, sqlite or qdrant, got %q", vs.Backend)
	}
	return vs, nil
}

// WorkflowFromEnv resolves workflow tuning.
func WorkflowFromEnv() (Workflow, error) {
	var w Workflow
	var err error
	if w.FetchMultiplier, err = envInt("MAILRAG_FETCH_MULTIPLIER", 0); err != nil {
		return w, err
	}
	if w.HistoryWindow, err = envInt("MAILRAG_HISTORY_WINDOW", 0); err != nil {
		return w, err
	}
	if w.HistoryTokens, err = envInt("MAILRAG_HISTORY_TOKENS", 0); err != nil {
		return w, err
	}
	if w.CheckpointTTL, err = envDuration("MAILRAG_CHECKPOINT_TTL"); err != nil {
		return w, err
	}
	return w, nil
}

// RetryFromEnv resolves the retry bound.
func RetryFromEnv() (Retry, error) {
	var r Retry
	var err error
	if r.MaxAttempts, err = envInt("MAILRAG_RETRY_MAX_ATTEMPTS", 0); err != nil {
		return r, err
	}
	if r.InitialInterval, err = envDuration("MAILRAG_RETRY_INITIAL_INTERVAL"); err != nil {
		return r, err
	}
	if r.MaxInterval, err = envDuration("MAILRAG_RETRY_MAX_INTERVAL"); err != nil {
		return r, err
	}
	return r, nil
}

// IndexerFromEnv resolves chunking and concurrency.
func IndexerFromEnv() (Indexer, error) {
	var ix Indexer
	var err error
	if ix.MaxChars, err = envInt("MAILRAG_CHUNK_MAX_CHARS", 0); err != nil {
		return ix, err
	}
	if ix.OverlapChars, err = envInt("MAILRAG_CHUNK_OVERLAP_CHARS", 0); err != nil {
		return ix, err
	}
	if ix.Concurrency, err = envInt("MAILRAG_INDEX_CONCURRENCY", 0); err != nil {
		return ix, err
	}
	return ix, nil
}

// ServerFromEnv resolves the HTTP server configuration. Zero values are
// defaulted by the server package.
func ServerFromEnv() (Server, error) {
	s := Server{
		Host:   os.Getenv("MAILRAG_HOST"),
		APIKey: os.Getenv("MAILRAG_API_KEY"),
	}
	var err error
	if s.Port, err = envInt("MAILRAG_PORT", 0); err != nil {
		return s, err
	}
	if s.RateBurst, err = envInt("MAILRAG_RATE_BURST", 0); err != nil {
		return s, err
	}
	if v := os.Getenv("MAILRAG_RATE_LIMIT"); v != "" {
		if s.RateLimit, err = strconv.ParseFloat(v, 64); err != nil {
			return s, fmt.Errorf("config: MAILRAG_RATE_LIMIT: %w", err)
		}
	}
	if s.ChatTimeout, err = envDuration("MAILRAG_CHAT_TIMEOUT"); err != nil {
		return s, err
	}
	return s, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return n, nil
}

func envBool(key string) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
