package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

func validEnv() map[string]string {
	return map[string]string{
		"BABYLON_MONGO_URI":         "mongodb://localhost:27017",
		"BABYLON_DATALAKE_NAME":     "babylonDataLake",
		"BABYLON_QDRANT_ADDR":       "localhost:6334",
		"BABYLON_VECTOR_COLLECTION": "babylon-features",
		"BABYLON_EMBED_MODEL":       "bge-small-en",
	}
}

func getenv(env map[string]string) func(string) string {
	return func(key string) string { return env[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(getenv(validEnv()))
	require.NoError(t, err)

	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	assert.Equal(t, "chase-data-", cfg.CollectionPrefix)
	assert.Equal(t, "description", cfg.TextField)
	assert.Equal(t, ProviderOllama, cfg.EmbedProvider)
	assert.Equal(t, 384, cfg.EmbedDims)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryWait)
	assert.Equal(t, 2*time.Minute, cfg.CallTimeout)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.CacheDir)
}

func TestLoadMissingRequiredReportedTogether(t *testing.T) {
	env := validEnv()
	delete(env, "BABYLON_MONGO_URI")
	delete(env, "BABYLON_EMBED_MODEL")

	_, err := Load(getenv(env))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Contains(t, err.Error(), "BABYLON_MONGO_URI")
	assert.Contains(t, err.Error(), "BABYLON_EMBED_MODEL")
}

func TestLoadMalformedValues(t *testing.T) {
	env := validEnv()
	env["BABYLON_EMBED_DIMS"] = "not-a-number"

	_, err := Load(getenv(env))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Contains(t, err.Error(), "BABYLON_EMBED_DIMS")
}

func TestLoadOverrides(t *testing.T) {
	env := validEnv()
	env["BABYLON_COLLECTION_PREFIX"] = "custom-"
	env["BABYLON_BATCH_SIZE"] = "50"
	env["BABYLON_EMBED_RATE_PER_SEC"] = "2.5"
	env["BABYLON_RETRY_WAIT_SECONDS"] = "5"

	cfg, err := Load(getenv(env))
	require.NoError(t, err)
	assert.Equal(t, "custom-", cfg.CollectionPrefix)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 2.5, cfg.EmbedRate)
	assert.Equal(t, 5*time.Second, cfg.RetryWait)
}

func TestLoadOpenAIRequiresBaseURL(t *testing.T) {
	env := validEnv()
	env["BABYLON_EMBED_PROVIDER"] = ProviderOpenAI

	_, err := Load(getenv(env))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)

	env["BABYLON_OPENAI_BASE_URL"] = "http://localhost:8080/v1"
	cfg, err := Load(getenv(env))
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.EmbedProvider)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	env := validEnv()
	env["BABYLON_EMBED_PROVIDER"] = "quantum"

	_, err := Load(getenv(env))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestLoadHashProvider(t *testing.T) {
	env := validEnv()
	env["BABYLON_EMBED_PROVIDER"] = ProviderHash

	cfg, err := Load(getenv(env))
	require.NoError(t, err)
	assert.Equal(t, ProviderHash, cfg.EmbedProvider)
}

func TestLoadEnvFileMissing(t *testing.T) {
	err := LoadEnvFile("/nonexistent/.env")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
}
