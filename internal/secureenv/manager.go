// Package secureenv assembles the environment for stdio subprocesses.
//
// Assembly is staged: a curated set of safe system variables is always
// present; when a server opts into inheritParentEnv, parent variables are
// added subject to the configured name-prefix allowlist and a fixed
// sensitive-substring blocklist; user-declared variables are layered last
// and are never filtered.
package secureenv

import (
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/onemcp/onemcp-go/internal/stringutil"
)

// environ is a test hook.
var environ = os.Environ

// SensitiveSubstrings are never inherited from the parent environment when
// they appear anywhere in a variable name, case-insensitively. The same list
// gates context-propagation env capture.
var SensitiveSubstrings = []string{
	"PASSWORD", "SECRET", "TOKEN", "KEY", "AUTH", "CREDENTIAL", "PRIVATE",
}

// IsSensitiveName reports whether a variable name contains a blocked substring.
func IsSensitiveName(name string) bool {
	return stringutil.ContainsAnyIgnoreCase(name, SensitiveSubstrings)
}

// DefaultParentVars is the curated set of system variables passed to every
// stdio subprocess regardless of inheritParentEnv.
func DefaultParentVars() []string {
	vars := []string{
		"PATH",   // executable lookup
		"HOME",   // user directory (Unix)
		"TMPDIR", // temp directory (Unix)
		"TEMP",   // temp directory (Windows)
		"TMP",    // temp directory (Windows)
		"SHELL",
		"TERM",
		"LANG",
		"USER",     // current user (Unix)
		"USERNAME", // current user (Windows)
	}

	if runtime.GOOS == "windows" {
		vars = append(vars,
			"USERPROFILE",
			"APPDATA",
			"LOCALAPPDATA",
			"PROGRAMFILES",
			"SYSTEMROOT",
			"COMSPEC",
		)
	} else {
		vars = append(vars,
			"XDG_CONFIG_HOME",
			"XDG_DATA_HOME",
			"XDG_CACHE_HOME",
			"XDG_RUNTIME_DIR",
		)
	}

	vars = append(vars,
		"LC_ALL", "LC_CTYPE", "LC_NUMERIC", "LC_TIME", "LC_COLLATE",
		"LC_MONETARY", "LC_MESSAGES",
	)

	return vars
}

// Config selects which parent variables a subprocess may see.
type Config struct {
	// InheritParentEnv adds parent variables beyond the curated defaults.
	InheritParentEnv bool `json:"inheritParentEnv,omitempty"`
	// EnvFilter is a list of variable-name prefixes allowed through when
	// inheriting. A trailing "*" on an entry is tolerated and stripped.
	// An empty filter admits every non-sensitive parent variable.
	EnvFilter []string `json:"envFilter,omitempty"`
	// Custom variables are layered last and never filtered.
	Custom map[string]string `json:"env,omitempty"`
}

// Manager builds filtered environments from a Config.
type Manager struct {
	cfg      *Config
	prefixes []string
}

// NewManager creates a manager. A nil config behaves as an empty one.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	prefixes := make([]string, 0, len(cfg.EnvFilter))
	for _, p := range cfg.EnvFilter {
		p = strings.TrimSuffix(p, "*")
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return &Manager{cfg: cfg, prefixes: prefixes}
}

// Build returns the subprocess environment as "KEY=value" entries,
// deterministically ordered by key with later stages overriding earlier ones.
func (m *Manager) Build() []string {
	merged := make(map[string]string)

	parent := parentEnvMap()

	for _, name := range DefaultParentVars() {
		if v, ok := parent[name]; ok {
			merged[name] = v
		}
	}

	if m.cfg.InheritParentEnv {
		for name, v := range parent {
			if !m.inheritAllowed(name) {
				continue
			}
			merged[name] = v
		}
	}

	for name, v := range m.cfg.Custom {
		merged[name] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// inheritAllowed applies the prefix allowlist and the sensitive blocklist.
func (m *Manager) inheritAllowed(name string) bool {
	if IsSensitiveName(name) {
		return false
	}
	if len(m.prefixes) == 0 {
		return true
	}
	return stringutil.HasAnyPrefix(name, m.prefixes)
}

// Inheritable reports whether a parent variable with the given name would be
// added by the inherit stage. Curated defaults and custom variables are not
// consulted.
func (m *Manager) Inheritable(name string) bool {
	return m.cfg.InheritParentEnv && m.inheritAllowed(name)
}

func parentEnvMap() map[string]string {
	env := environ()
	out := make(map[string]string, len(env))
	for _, kv := range env {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		out[kv[:i]] = kv[i+1:]
	}
	return out
}
