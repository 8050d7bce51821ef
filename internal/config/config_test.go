package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppConfigCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CASKADE_HOME", dir)

	cfg, err := NewAppConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultClientID, cfg.ClientID)
	assert.EqualValues(t, DefaultSessionWindowMs, cfg.SessionWindowMs)
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.Equal(t, filepath.Join(dir, "caskade.db"), cfg.DatabasePath())
}

func TestNewAppConfigLoadsExisting(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CASKADE_HOME", dir)

	content := "client_id: custom-client\nsession_window_ms: 3600000\napi_secret: hush\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600))

	cfg, err := NewAppConfig()
	require.NoError(t, err)

	assert.Equal(t, "custom-client", cfg.ClientID)
	assert.EqualValues(t, 3_600_000, cfg.SessionWindowMs)
	assert.Equal(t, "hush", cfg.APISecret)
	// Unset fields fall back to defaults.
	assert.EqualValues(t, DefaultUpstreamTimeoutMs, cfg.UpstreamTimeoutMs)
	assert.NotEmpty(t, cfg.Pricing)
}

func TestDurationAccessors(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, cfg.SessionWindow().Milliseconds(), cfg.SessionWindowMs)
	assert.Equal(t, cfg.RefreshLeeway().Milliseconds(), cfg.RefreshLeewayMs)
	assert.Equal(t, cfg.UpstreamTimeout().Milliseconds(), cfg.UpstreamTimeoutMs)
	assert.Equal(t, cfg.IdleReadTimeout().Milliseconds(), cfg.IdleReadTimeoutMs)
}
