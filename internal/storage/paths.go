package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// File and directory names under the data directory.
const (
	PresetsFileName       = "presets.json"
	SessionsDirName       = "sessions"
	ClientSessionsDirName = "clientSessions"
)

// Layout resolves the on-disk layout under a data directory. The session
// store, preset store and OAuth token store all place their files through it.
type Layout struct {
	dataDir string
}

// NewLayout returns the layout rooted at dataDir.
func NewLayout(dataDir string) Layout {
	return Layout{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (l Layout) DataDir() string {
	return l.dataDir
}

// StateDBPath returns the bbolt state database file path.
func (l Layout) StateDBPath() string {
	return filepath.Join(l.dataDir, StateDBFileName)
}

// PresetsPath returns the filter preset file path.
func (l Layout) PresetsPath() string {
	return filepath.Join(l.dataDir, PresetsFileName)
}

// SessionsDir returns the directory holding persisted session records.
func (l Layout) SessionsDir() string {
	return filepath.Join(l.dataDir, SessionsDirName)
}

// SessionPath returns the file path for one persisted session.
func (l Layout) SessionPath(prefix, sessionID string) string {
	return filepath.Join(l.SessionsDir(), fmt.Sprintf("%s-%s.json", SafeFileName(prefix), SafeFileName(sessionID)))
}

// ClientSessionsDir returns the directory holding per-server OAuth tokens.
func (l Layout) ClientSessionsDir() string {
	return filepath.Join(l.dataDir, ClientSessionsDirName)
}

// ClientSessionPath returns the OAuth token file path for one server.
func (l Layout) ClientSessionPath(server string) string {
	return filepath.Join(l.ClientSessionsDir(), SafeFileName(server)+".json")
}

// SafeFileName maps an arbitrary identifier onto a filesystem-safe file
// name component. Anything outside [A-Za-z0-9._-] becomes an underscore.
func SafeFileName(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Ensure creates the data directory and its subdirectories.
func (l Layout) Ensure() error {
	dirs := []string{
		l.dataDir,
		l.SessionsDir(),
		l.ClientSessionsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
