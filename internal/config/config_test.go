package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bamsammich/ferry/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Queue.MaxWeight)
	assert.Nil(t, cfg.Salvage.PreferReflink)
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "ferry")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[queue]
max_weight = 250
hash_mismatch_retries = 3

[salvage]
prefer_reflink = true
save_incomplete_file = true
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Queue.MaxWeight)
	assert.Equal(t, 250, *cfg.Queue.MaxWeight)

	require.NotNil(t, cfg.Queue.HashRetries)
	assert.Equal(t, 3, *cfg.Queue.HashRetries)

	require.NotNil(t, cfg.Salvage.PreferReflink)
	assert.True(t, *cfg.Salvage.PreferReflink)
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "ferry")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "engine.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/ferry/engine.toml", config.Path())
}
