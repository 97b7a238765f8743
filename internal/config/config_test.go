package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "dex.db", cfg.DatabasePath)
	assert.Equal(t, "dex", cfg.EngineAddress)
	assert.Equal(t, "dex.events", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Production())

	creds, err := cfg.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "test-api-secret", creds["test-api-key"])
	assert.Equal(t, "maker-secret", creds["maker"])
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DEX_PORT", "9090")
	t.Setenv("DEX_ENV", "production")
	t.Setenv("DEX_ENGINE_ADDRESS", "exchange")
	t.Setenv("DEX_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("DEX_API_CREDENTIALS", "alice:one,bob:two")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Production())
	assert.Equal(t, "exchange", cfg.EngineAddress)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)

	creds, err := cfg.Credentials()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "one", "bob": "two"}, creds)
}

func TestLoadUnprefixedFallbacks(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.True(t, cfg.Debug)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "8181"
database_path: /tmp/history.db
kafka:
  brokers:
    - localhost:9092
  topic: orders
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8181", cfg.Port)
	assert.Equal(t, "/tmp/history.db", cfg.DatabasePath)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "orders", cfg.Kafka.Topic)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "dex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine_address: \"\"\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestCredentialsRejectsMalformedPairs(t *testing.T) {
	cfg := &Config{APICredentials: []string{"no-secret"}}
	_, err := cfg.Credentials()
	assert.Error(t, err)

	cfg = &Config{APICredentials: []string{":secret"}}
	_, err = cfg.Credentials()
	assert.Error(t, err)
}
