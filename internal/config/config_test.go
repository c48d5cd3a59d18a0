package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.EqualValues(t, 20<<30, cfg.FixedMaxBytes)
	require.EqualValues(t, 2<<30, cfg.ReservedDiskHeadroomBytes)
	require.Equal(t, 0.9, cfg.CleanupThresholdRatio)
	require.Equal(t, 4, cfg.MaxConcurrentDownloads)
	require.Equal(t, "127.0.0.1:0", cfg.BindAddr)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestSaveAndLoad_RoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.MaxConcurrentDownloads = 7
	cfg.BindAddr = "0.0.0.0:9191"
	require.NoError(t, Save(cfg))

	require.True(t, Exists())

	loaded, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7, loaded.MaxConcurrentDownloads)
	require.Equal(t, "0.0.0.0:9191", loaded.BindAddr)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Load()
	require.Error(t, err)
}

func TestLoadOrDefault_FallsBackWhenMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := LoadOrDefault()
	require.Equal(t, DefaultConfig(), cfg)
}

func TestInit_RefusesToOverwrite(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	require.NoError(t, Init())
	err := Init()
	require.Error(t, err)
}

func TestConfigPath_NestedUnderConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := ConfigPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "streamcached", "config.yml"), path)
}
