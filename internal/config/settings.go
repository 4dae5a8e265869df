package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultDataDirName is the per-user config directory under ~/.config.
	DefaultDataDirName = "1mcp"
	// DocumentFileName is the watched server document inside the data dir.
	DocumentFileName = "mcp.json"

	defaultListen = "127.0.0.1:3050"
)

// Settings is the proxy-level configuration. It flows through viper (flags,
// ONEMCP_* environment variables, defaults); the server document does not.
type Settings struct {
	Listen     string `json:"listen" mapstructure:"listen"`
	DataDir    string `json:"data_dir" mapstructure:"data-dir"`
	ConfigPath string `json:"config_path" mapstructure:"config"`

	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Loader behavior
	EnvSubstitution bool `json:"env_substitution" mapstructure:"env-substitution"`
	StrictEnv       bool `json:"strict_env" mapstructure:"strict-env"`

	// Watcher
	DebounceMs Millis `json:"debounce_ms" mapstructure:"debounce-ms"`

	// Outbound connection defaults
	ConnectTimeoutMs Millis `json:"connect_timeout_ms" mapstructure:"connect-timeout-ms"`
	RequestTimeoutMs Millis `json:"request_timeout_ms" mapstructure:"request-timeout-ms"`
	RetryDelayMs     Millis `json:"retry_delay_ms" mapstructure:"retry-delay-ms"`

	// Inbound sessions
	SessionPersistence     bool  `json:"session_persistence" mapstructure:"session-persistence"`
	SessionTTLHours        int   `json:"session_ttl_hours" mapstructure:"session-ttl"`
	PersistRequests        int   `json:"persist_requests" mapstructure:"persist-requests"`
	PersistIntervalMinutes int   `json:"persist_interval_minutes" mapstructure:"persist-interval"`
	BackgroundFlushSeconds int   `json:"background_flush_seconds" mapstructure:"background-flush"`
	SessionFilePrefix      string `json:"session_file_prefix" mapstructure:"session-file-prefix"`

	// Notifications
	BatchDelayMs Millis `json:"batch_delay_ms" mapstructure:"batch-delay"`

	// Observability
	TracingEndpoint string `json:"tracing_endpoint,omitempty" mapstructure:"tracing-endpoint"`
	EnableMetrics   bool   `json:"enable_metrics" mapstructure:"enable-metrics"`

	// Context propagation
	EnvAllowedPrefixes []string `json:"env_allowed_prefixes,omitempty" mapstructure:"env-allowed-prefixes"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultSettings returns the built-in defaults. DataDir and derived paths
// are left empty; ResolvePaths fills them.
func DefaultSettings() *Settings {
	return &Settings{
		Listen: defaultListen,
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
		EnvSubstitution:        true,
		StrictEnv:              false,
		DebounceMs:             500,
		ConnectTimeoutMs:       30_000,
		RequestTimeoutMs:       60_000,
		RetryDelayMs:           1_000,
		SessionPersistence:     true,
		SessionTTLHours:        24 * 7,
		PersistRequests:        100,
		PersistIntervalMinutes: 5,
		BackgroundFlushSeconds: 60,
		SessionFilePrefix:      "session",
		BatchDelayMs:           1_000,
		EnableMetrics:          true,
	}
}

// SetupViper wires the ONEMCP_* environment and defaults. Call once before
// binding flags.
func SetupViper() {
	viper.SetEnvPrefix("ONEMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen", defaultListen)
	viper.SetDefault("data-dir", "")
	viper.SetDefault("config", "")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.enable-file", true)
	viper.SetDefault("logging.enable-console", true)
	viper.SetDefault("logging.filename", "main.log")
	viper.SetDefault("logging.max-size", 10)
	viper.SetDefault("logging.max-backups", 5)
	viper.SetDefault("logging.max-age", 30)
	viper.SetDefault("logging.compress", true)
	viper.SetDefault("logging.json-format", false)

	viper.SetDefault("env-substitution", true)
	viper.SetDefault("strict-env", false)
	viper.SetDefault("debounce-ms", 500)

	viper.SetDefault("connect-timeout-ms", 30_000)
	viper.SetDefault("request-timeout-ms", 60_000)
	viper.SetDefault("retry-delay-ms", 1_000)

	viper.SetDefault("session-persistence", true)
	viper.SetDefault("session-ttl", 24*7)
	viper.SetDefault("persist-requests", 100)
	viper.SetDefault("persist-interval", 5)
	viper.SetDefault("background-flush", 60)
	viper.SetDefault("session-file-prefix", "session")

	viper.SetDefault("batch-delay", 1_000)
	viper.SetDefault("enable-metrics", true)
	viper.SetDefault("tracing-endpoint", "")
}

// LoadSettings materializes Settings from viper (defaults, env, bound flags)
// and resolves the data directory.
func LoadSettings() (*Settings, error) {
	settings := DefaultSettings()
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := settings.ResolvePaths(); err != nil {
		return nil, err
	}
	return settings, nil
}

// ResolvePaths fills DataDir (default ~/.config/1mcp), ConfigPath
// (default <dataDir>/mcp.json) and the log directory, creating the data
// directory when missing.
func (s *Settings) ResolvePaths() error {
	if s.DataDir == "" {
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get user home directory: %w", err)
			}
			configHome = filepath.Join(homeDir, ".config")
		}
		s.DataDir = filepath.Join(configHome, DefaultDataDirName)
	}

	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", s.DataDir, err)
	}

	if s.ConfigPath == "" {
		s.ConfigPath = filepath.Join(s.DataDir, DocumentFileName)
	}

	if s.Logging == nil {
		s.Logging = DefaultSettings().Logging
	}
	if s.Logging.LogDir == "" {
		s.Logging.LogDir = filepath.Join(s.DataDir, "logs")
	}

	return nil
}

// SessionTTL returns the session time-to-live as a duration.
func (s *Settings) SessionTTL() time.Duration {
	if s.SessionTTLHours <= 0 {
		return 24 * 7 * time.Hour
	}
	return time.Duration(s.SessionTTLHours) * time.Hour
}

// PersistInterval returns the dual-trigger persistence interval.
func (s *Settings) PersistInterval() time.Duration {
	if s.PersistIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.PersistIntervalMinutes) * time.Minute
}

// BackgroundFlush returns the background flush period.
func (s *Settings) BackgroundFlush() time.Duration {
	if s.BackgroundFlushSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.BackgroundFlushSeconds) * time.Second
}
