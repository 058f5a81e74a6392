package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:5000", cfg.Listen)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, time.Hour, cfg.Cache.ModelsTTL)
	assert.Equal(t, BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, "http://localhost:11434", cfg.Inference.BaseURL())
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_VALKEY_PASSWORD", "s3cret")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
inference:
  host: ollama.internal
  port: 11500
  chat_timeout: 2m
cache:
  backend: valkey
  ttl: 30m
  valkey:
    address: valkey:6379
    password: ${TEST_VALKEY_PASSWORD}
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "http://ollama.internal:11500", cfg.Inference.BaseURL())
	assert.Equal(t, 2*time.Minute, cfg.Inference.ChatTimeout)
	// untouched fields keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Inference.ListTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "s3cret", cfg.Cache.Valkey.Password, "env var not expanded")
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "cache:\n  backend: memcached\n"},
		{"bad port", "inference:\n  port: 70000\n"},
		{"sub-second ttl", "cache:\n  ttl: 10ms\n"},
		{"valkey without address", "cache:\n  backend: valkey\n  valkey:\n    address: \"\"\n"},
		{"bad log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestValkeyAddressIgnoredForMemoryBackend(t *testing.T) {
	cfg := Default()
	cfg.Cache.Valkey.Address = ""
	assert.NoError(t, cfg.Validate())
}
