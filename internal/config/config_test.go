package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Port)
	assert.Equal(t, "real", cfg.StreamingMode)
	assert.Equal(t, []int{429}, cfg.ImmediateSwitchStatusCodes)
	assert.True(t, cfg.EnableAuthUpdate)
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nstreaming-mode: fake\napi-keys:\n  - file-key\n"), 0o644))

	t.Setenv("PORT", "9001")
	t.Setenv("API_KEYS", "env-key-1, env-key-2")
	t.Setenv("IMMEDIATE_SWITCH_STATUS_CODES", "429,503")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	// Environment wins over the file.
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "fake", cfg.StreamingMode)
	assert.Equal(t, []string{"env-key-1", "env-key-2"}, cfg.APIKeys)
	assert.Equal(t, []int{429, 503}, cfg.ImmediateSwitchStatusCodes)
}

func TestLoadConfigRejectsBadStreamingMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streaming-mode: sideways\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestIsImmediateSwitchStatus(t *testing.T) {
	cfg := &Config{ImmediateSwitchStatusCodes: []int{429, 403}}
	assert.True(t, cfg.IsImmediateSwitchStatus(429))
	assert.True(t, cfg.IsImmediateSwitchStatus(403))
	assert.False(t, cfg.IsImmediateSwitchStatus(500))
}
