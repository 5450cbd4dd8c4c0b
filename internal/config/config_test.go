package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Gap)
	assert.Nil(t, cfg.Control.DmControl)
}

func TestLoadValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fsview"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fsview", "config.toml"), []byte(`
[defaults]
gap = 1048576
fat_copies = 1
system = "TEST_OS"
eager_close = true

[control]
dm_control = "/dev/mapper/control"
`), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Defaults.Gap)
	assert.Equal(t, int64(1048576), *cfg.Defaults.Gap)
	require.NotNil(t, cfg.Defaults.FatCopies)
	assert.Equal(t, 1, *cfg.Defaults.FatCopies)
	require.NotNil(t, cfg.Defaults.System)
	assert.Equal(t, "TEST_OS", *cfg.Defaults.System)
	require.NotNil(t, cfg.Defaults.EagerClose)
	assert.True(t, *cfg.Defaults.EagerClose)
	require.NotNil(t, cfg.Control.DmControl)
	assert.Equal(t, "/dev/mapper/control", *cfg.Control.DmControl)
	assert.Nil(t, cfg.Control.ZramControl)
}

func TestPathUsesXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/fsview/config.toml", Path())
}
