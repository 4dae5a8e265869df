package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/onemcp/onemcp-go/internal/config"
)

func testLogConfig(dir string) *config.LogConfig {
	cfg := DefaultLogConfig()
	cfg.LogDir = dir
	cfg.EnableConsole = false
	return cfg
}

func TestLogFilePath_ExplicitDir(t *testing.T) {
	dir := t.TempDir()

	path, err := LogFilePath(dir, "main.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "main.log"), path)

	// Directory must exist afterwards.
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLogFilePath_CreatesNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	path, err := LogFilePath(dir, "server-github.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "server-github.log"), path)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLogFilePath_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path, err := LogFilePath("~/.onemcp-test-logs", "main.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".onemcp-test-logs", "main.log"), path)

	t.Cleanup(func() { _ = os.RemoveAll(filepath.Join(home, ".onemcp-test-logs")) })
}

func TestDefaultLogDir(t *testing.T) {
	dir, err := DefaultLogDir()
	require.NoError(t, err)
	require.NotEmpty(t, dir)

	switch runtime.GOOS {
	case osDarwin:
		assert.Contains(t, dir, filepath.Join("Library", "Logs", "onemcp"))
	case osLinux:
		assert.Contains(t, dir, "onemcp")
	case osWindows:
		assert.Contains(t, dir, filepath.Join("onemcp", "logs"))
	}
}

func TestSetupLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig(dir)

	logger, err := SetupLogger(cfg)
	require.NoError(t, err)

	logger.Info("hello from test", zap.String("key", "value"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, cfg.Filename))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "hello from test")
	assert.Contains(t, content, "INFO")
}

func TestSetupLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig(dir)
	cfg.Level = LogLevelWarn

	logger, err := SetupLogger(cfg)
	require.NoError(t, err)

	logger.Debug("quiet debug")
	logger.Info("quiet info")
	logger.Warn("loud warn")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, cfg.Filename))
	require.NoError(t, err)
	content := string(data)
	assert.NotContains(t, content, "quiet debug")
	assert.NotContains(t, content, "quiet info")
	assert.Contains(t, content, "loud warn")
}

func TestSetupLogger_JSONFormat(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig(dir)
	cfg.JSONFormat = true

	logger, err := SetupLogger(cfg)
	require.NoError(t, err)

	logger.Info("structured entry")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, cfg.Filename))
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasPrefix(line, "{"), "expected JSON line, got: %s", line)
	assert.Contains(t, line, `"msg":"structured entry"`)
}

func TestCreateUpstreamLogger_SeparateFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig(dir)

	logger, err := CreateUpstreamLogger(cfg, "github")
	require.NoError(t, err)

	logger.Info("upstream line")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "server-github.log"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "upstream line")
	assert.Contains(t, content, "github")

	// The main log must not receive upstream output.
	_, err = os.Stat(filepath.Join(dir, cfg.Filename))
	assert.True(t, os.IsNotExist(err))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{LogLevelDebug, zap.DebugLevel},
		{LogLevelInfo, zap.InfoLevel},
		{LogLevelWarn, zap.WarnLevel},
		{LogLevelError, zap.ErrorLevel},
		{"unknown", zap.InfoLevel},
		{"", zap.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}
