package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_ResolvePaths(t *testing.T) {
	dir := t.TempDir()

	s := DefaultSettings()
	s.DataDir = filepath.Join(dir, "1mcp")
	require.NoError(t, s.ResolvePaths())

	assert.Equal(t, filepath.Join(dir, "1mcp", "mcp.json"), s.ConfigPath)
	assert.Equal(t, filepath.Join(dir, "1mcp", "logs"), s.Logging.LogDir)
	assert.DirExists(t, s.DataDir)
}

func TestSettings_ResolvePathsDefaultsToXDGConfigHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	s := DefaultSettings()
	require.NoError(t, s.ResolvePaths())

	assert.Equal(t, filepath.Join(dir, DefaultDataDirName), s.DataDir)
}

func TestSettings_ExplicitConfigPathKept(t *testing.T) {
	dir := t.TempDir()

	s := DefaultSettings()
	s.DataDir = dir
	s.ConfigPath = filepath.Join(dir, "custom.json")
	require.NoError(t, s.ResolvePaths())

	assert.Equal(t, filepath.Join(dir, "custom.json"), s.ConfigPath)
}

func TestSettings_Durations(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 7*24*time.Hour, s.SessionTTL())
	assert.Equal(t, 5*time.Minute, s.PersistInterval())
	assert.Equal(t, time.Minute, s.BackgroundFlush())

	s.SessionTTLHours = 2
	s.PersistIntervalMinutes = 1
	s.BackgroundFlushSeconds = 10
	assert.Equal(t, 2*time.Hour, s.SessionTTL())
	assert.Equal(t, time.Minute, s.PersistInterval())
	assert.Equal(t, 10*time.Second, s.BackgroundFlush())
}
