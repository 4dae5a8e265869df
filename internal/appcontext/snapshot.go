// Package appcontext builds the per-request context snapshot that template
// renders and the get_context diagnostic tool observe: project and git
// state, user identity, filtered environment and transport metadata.
package appcontext

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/hash"
	"github.com/onemcp/onemcp-go/internal/secureenv"
)

// test hooks
var (
	environ     = os.Environ
	currentUser = user.Current
)

// GitInfo describes the repository state of the working directory.
type GitInfo struct {
	Branch     string `json:"branch,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Repository string `json:"repository,omitempty"`
	IsRepo     bool   `json:"isRepo"`
}

// Project describes the project the proxy is running in.
type Project struct {
	Path        string            `json:"path"`
	Name        string            `json:"name"`
	Environment string            `json:"environment"`
	Git         GitInfo           `json:"git"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// User describes the operating system user.
type User struct {
	Username string `json:"username"`
	UID      string `json:"uid"`
	GID      string `json:"gid"`
	Home     string `json:"home"`
	Shell    string `json:"shell,omitempty"`
}

// Environment carries the filtered process environment.
type Environment struct {
	Variables map[string]string `json:"variables"`
	Prefixes  []string          `json:"prefixes"`
}

// ClientInfo identifies the inbound MCP client.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Transport describes how the inbound request reached the proxy.
type Transport struct {
	Type   string     `json:"type"`
	URL    string     `json:"url,omitempty"`
	Client ClientInfo `json:"client"`
}

// Snapshot is an immutable view of the request context. It is safe to share
// across goroutines once built.
type Snapshot struct {
	Project     Project     `json:"project"`
	User        User        `json:"user"`
	Environment Environment `json:"environment"`
	SessionID   string      `json:"sessionId"`
	Version     string      `json:"version"`
	Timestamp   time.Time   `json:"timestamp"`
	Transport   Transport   `json:"transport"`
}

var _ config.TemplateContext = (*Snapshot)(nil)

// TemplateData returns the snapshot as nested maps with the JSON field
// names, so templates address it as {{ .project.name }}.
func (s *Snapshot) TemplateData() map[string]interface{} {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]interface{}{}
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return map[string]interface{}{}
	}
	return tree
}

// Hash returns the render cache key for this snapshot. Volatile fields
// (sessionId, timestamp) are excluded so identical project, user,
// environment and transport states key the same cache slot.
func (s *Snapshot) Hash() (string, error) {
	stable := map[string]interface{}{
		"project":     s.Project,
		"user":        s.User,
		"environment": s.Environment,
		"transport":   s.Transport,
		"version":     s.Version,
	}
	return hash.Canonical(stable)
}

// Options configures a snapshot Builder.
type Options struct {
	// Version is the proxy version stamped into every snapshot.
	Version string

	// Prefixes is the allowlist of environment variable name prefixes
	// exposed to templates. Empty means no variables are exposed.
	Prefixes []string

	// Custom is merged into project.custom on every snapshot.
	Custom map[string]string

	// WorkDir overrides the working directory. Defaults to os.Getwd.
	WorkDir string

	// Environment names the deployment environment. Defaults to
	// $ONEMCP_ENVIRONMENT, then "development".
	Environment string
}

// Builder constructs context snapshots.
type Builder struct {
	logger   *zap.Logger
	version  string
	prefixes []string
	custom   map[string]string
	workDir  string
	envName  string
}

// NewBuilder returns a Builder with the given options.
func NewBuilder(logger *zap.Logger, opts Options) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}

	envName := opts.Environment
	if envName == "" {
		envName = os.Getenv("ONEMCP_ENVIRONMENT")
	}
	if envName == "" {
		envName = "development"
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	custom := make(map[string]string, len(opts.Custom))
	for k, v := range opts.Custom {
		custom[k] = v
	}

	return &Builder{
		logger:   logger,
		version:  version,
		prefixes: append([]string(nil), opts.Prefixes...),
		custom:   custom,
		workDir:  opts.WorkDir,
		envName:  envName,
	}
}

// Build constructs a fresh snapshot. Git probes and user lookups that fail
// leave their fields empty rather than failing the build.
func (b *Builder) Build(ctx context.Context, transport Transport) *Snapshot {
	home := ""
	usr := User{}
	if u, err := currentUser(); err == nil {
		home = u.HomeDir
		usr = User{
			Username: u.Username,
			UID:      u.Uid,
			GID:      u.Gid,
			Home:     sanitizePath(u.HomeDir, u.HomeDir),
			Shell:    os.Getenv("SHELL"),
		}
	} else {
		b.logger.Debug("failed to resolve current user", zap.Error(err))
	}

	dir := b.workDir
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		} else {
			b.logger.Debug("failed to resolve working directory", zap.Error(err))
		}
	}

	project := Project{
		Path:        sanitizePath(dir, home),
		Environment: b.envName,
		Git:         b.probeGit(ctx, dir),
	}
	if dir != "" {
		project.Name = filepath.Base(dir)
	}
	if len(b.custom) > 0 {
		project.Custom = make(map[string]string, len(b.custom))
		for k, v := range b.custom {
			project.Custom[k] = v
		}
	}

	return &Snapshot{
		Project:     project,
		User:        usr,
		Environment: b.filteredEnv(),
		SessionID:   newContextID(),
		Version:     b.version,
		Timestamp:   time.Now().UTC(),
		Transport:   transport,
	}
}

// filteredEnv returns the process environment variables whose names pass
// the prefix allowlist and the shared sensitive-name blocklist.
func (b *Builder) filteredEnv() Environment {
	vars := make(map[string]string)
	for _, kv := range environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if !hasAllowedPrefix(name, b.prefixes) {
			continue
		}
		if secureenv.IsSensitiveName(name) {
			continue
		}
		vars[name] = value
	}
	return Environment{
		Variables: vars,
		Prefixes:  append([]string(nil), b.prefixes...),
	}
}

func hasAllowedPrefix(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// sanitizePath cleans a path, rejects unresolved parent traversal and
// replaces the home prefix with "~".
func sanitizePath(path, home string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return ""
		}
	}
	if home != "" {
		home = filepath.Clean(home)
		if cleaned == home {
			return "~"
		}
		if strings.HasPrefix(cleaned, home+string(filepath.Separator)) {
			return "~" + cleaned[len(home):]
		}
	}
	return cleaned
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newContextID returns ctx_<unixMillis>_<9 random base36 chars>.
func newContextID() string {
	suffix := make([]byte, 9)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base36Alphabet))))
		if err != nil {
			panic(fmt.Sprintf("appcontext: crypto/rand unavailable: %v", err))
		}
		suffix[i] = base36Alphabet[n.Int64()]
	}
	return fmt.Sprintf("ctx_%d_%s", time.Now().UnixMilli(), suffix)
}
