// Package config loads process configuration from environment variables.
// Every required variable missing at startup is a configuration error: the
// process must fail fast with a non-zero exit rather than run misconfigured.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
	"github.com/BabylonML/babylon-pipeline/engine/lake"
)

// Embedder providers selectable at startup.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

// Config is the full process configuration.
type Config struct {
	// Data lake.
	MongoURI         string
	DatalakeName     string
	CollectionPrefix string
	TextField        string
	ConnectTimeout   time.Duration

	// Vector store.
	QdrantAddr       string
	VectorCollection string

	// Embedding.
	EmbedProvider  string
	EmbedModel     string
	EmbedDims      int
	OllamaURL      string
	OpenAIBaseURL  string
	OpenAIToken    string
	EmbedBatchSize int
	MaxTextBytes   int
	EmbedWorkers   int
	EmbedRate      float64
	CacheDir       string // empty disables the embedding cache

	// Pipeline.
	BatchSize   int
	MaxAttempts int
	RetryWait   time.Duration
	CallTimeout time.Duration

	// Events. Empty disables publishing.
	NATSURL string

	// Visualization.
	LabelKey string
	Seed     int64
}

// LoadEnvFile loads variables from a .env file into the process environment,
// not overriding variables already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %v: %w", path, err, domain.ErrConfig)
	}
	return nil
}

// Load reads configuration from getenv (os.Getenv in production). Missing
// required variables are reported together so operators fix them in one
// pass.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	l := loader{getenv: getenv}

	cfg := Config{
		MongoURI:         l.required("BABYLON_MONGO_URI"),
		DatalakeName:     l.required("BABYLON_DATALAKE_NAME"),
		QdrantAddr:       l.required("BABYLON_QDRANT_ADDR"),
		VectorCollection: l.required("BABYLON_VECTOR_COLLECTION"),
		EmbedModel:       l.required("BABYLON_EMBED_MODEL"),

		CollectionPrefix: l.optional("BABYLON_COLLECTION_PREFIX", lake.DefaultCollectionPrefix),
		TextField:        l.optional("BABYLON_TEXT_FIELD", "description"),
		ConnectTimeout:   l.seconds("BABYLON_CONNECT_TIMEOUT_SECONDS", 30),

		EmbedProvider:  l.optional("BABYLON_EMBED_PROVIDER", ProviderOllama),
		EmbedDims:      l.integer("BABYLON_EMBED_DIMS", 384), // bge-small default
		OllamaURL:      l.optional("BABYLON_OLLAMA_URL", "http://localhost:11434"),
		OpenAIBaseURL:  l.optional("BABYLON_OPENAI_BASE_URL", ""),
		OpenAIToken:    l.optional("BABYLON_OPENAI_TOKEN", ""),
		EmbedBatchSize: l.integer("BABYLON_EMBED_BATCH_SIZE", 64),
		MaxTextBytes:   l.integer("BABYLON_EMBED_MAX_TEXT_BYTES", 8192),
		EmbedWorkers:   l.integer("BABYLON_EMBED_WORKERS", 4),
		EmbedRate:      l.float("BABYLON_EMBED_RATE_PER_SEC", 0),
		CacheDir:       l.optional("BABYLON_CACHE_DIR", ""),

		BatchSize:   l.integer("BABYLON_BATCH_SIZE", 200),
		MaxAttempts: l.integer("BABYLON_MAX_ATTEMPTS", 3),
		RetryWait:   l.seconds("BABYLON_RETRY_WAIT_SECONDS", 1),
		CallTimeout: l.seconds("BABYLON_CALL_TIMEOUT_SECONDS", 120),

		NATSURL: l.optional("BABYLON_NATS_URL", ""),

		LabelKey: l.optional("BABYLON_LABEL_KEY", ""),
		Seed:     int64(l.integer("BABYLON_VIZ_SEED", 42)),
	}

	if err := l.err(); err != nil {
		return Config{}, err
	}

	switch cfg.EmbedProvider {
	case ProviderOllama, ProviderHash:
	case ProviderOpenAI:
		if cfg.OpenAIBaseURL == "" {
			return Config{}, fmt.Errorf("BABYLON_OPENAI_BASE_URL required for provider %q: %w",
				ProviderOpenAI, domain.ErrConfig)
		}
	default:
		return Config{}, fmt.Errorf("unknown embed provider %q: %w", cfg.EmbedProvider, domain.ErrConfig)
	}
	return cfg, nil
}

// loader accumulates missing/malformed keys across lookups.
type loader struct {
	getenv  func(string) string
	missing []string
	invalid []string
}

func (l *loader) required(key string) string {
	v := l.getenv(key)
	if v == "" {
		l.missing = append(l.missing, key)
	}
	return v
}

func (l *loader) optional(key, def string) string {
	if v := l.getenv(key); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.invalid = append(l.invalid, key)
		return def
	}
	return n
}

func (l *loader) float(key string, def float64) float64 {
	v := l.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.invalid = append(l.invalid, key)
		return def
	}
	return f
}

func (l *loader) seconds(key string, def int) time.Duration {
	return time.Duration(l.integer(key, def)) * time.Second
}

func (l *loader) err() error {
	var errs []error
	if len(l.missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required environment variables %v", l.missing))
	}
	if len(l.invalid) > 0 {
		errs = append(errs, fmt.Errorf("malformed environment variables %v", l.invalid))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrConfig, errors.Join(errs...))
}
