package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	osWindows = "windows"
	osDarwin  = "darwin"
	osLinux   = "linux"
)

// DefaultLogDir returns the standard log directory for the current OS.
func DefaultLogDir() (string, error) {
	switch runtime.GOOS {
	case osWindows:
		return windowsLogDir()
	case osDarwin:
		return macOSLogDir()
	case osLinux:
		return linuxLogDir()
	default:
		return fallbackLogDir()
	}
}

// windowsLogDir uses %LOCALAPPDATA%\onemcp\logs.
func windowsLogDir() (string, error) {
	localAppData := os.Getenv("LOCALAPPDATA")
	if localAppData == "" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return fallbackLogDir()
		}
		localAppData = filepath.Join(userProfile, "AppData", "Local")
	}
	return filepath.Join(localAppData, "onemcp", "logs"), nil
}

// macOSLogDir uses ~/Library/Logs/onemcp.
func macOSLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fallbackLogDir()
	}
	return filepath.Join(homeDir, "Library", "Logs", "onemcp"), nil
}

// linuxLogDir uses XDG_STATE_HOME (default ~/.local/state), or
// /var/log/onemcp when running as root.
func linuxLogDir() (string, error) {
	if os.Getuid() == 0 {
		return "/var/log/onemcp", nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fallbackLogDir()
	}

	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "onemcp", "logs"), nil
}

func fallbackLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "onemcp", "logs"), nil
	}
	return filepath.Join(homeDir, ".onemcp", "logs"), nil
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir(logDir string) error {
	return os.MkdirAll(logDir, 0o755)
}

// LogFilePath resolves filename inside logDir, creating the directory. An
// empty logDir selects the platform default; a leading ~/ expands to the
// user home.
func LogFilePath(logDir, filename string) (string, error) {
	if logDir == "" {
		var err error
		logDir, err = DefaultLogDir()
		if err != nil {
			return "", err
		}
	}

	if strings.HasPrefix(logDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(homeDir, logDir[2:])
	}

	if err := EnsureLogDir(logDir); err != nil {
		return "", err
	}
	return filepath.Join(logDir, filename), nil
}
