// Package transport turns validated server configs into connectable
// transport specs and mcp-go clients: process parameters and filtered
// environment for stdio servers, URLs and headers for http/sse servers.
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/oauth"
	"github.com/onemcp/onemcp-go/internal/secureenv"
	"github.com/onemcp/onemcp-go/internal/storage"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultRestartDelay   = time.Second
)

// Spec is everything the connection manager needs to open and supervise one
// upstream transport.
type Spec struct {
	Name string
	Kind string

	// stdio
	Command string
	Args    []string
	Cwd     string
	Env     []string

	// http / sse
	URL     string
	Headers map[string]string

	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	Tags              []string

	// OAuthProvider is set for http/sse servers that declare OAuth. The
	// connection manager drives it when a connect attempt reports that
	// authorization is required.
	OAuthProvider oauth.Authorizer

	RestartOnExit bool
	MaxRestarts   int
	RestartDelay  time.Duration
}

// Options configures a Factory.
type Options struct {
	// Version is stamped into the default User-Agent header.
	Version string

	// ListenAddr is this proxy's own listen address, used to refuse
	// self-referencing http/sse upstreams.
	ListenAddr string

	// ConfigPath is this proxy's own config file, used to refuse
	// self-referencing stdio upstreams.
	ConfigPath string

	// SelfExecutable overrides os.Executable for tests.
	SelfExecutable string

	// TokenDir is where per-server OAuth tokens are persisted. Empty
	// means tokens live in memory only.
	TokenDir string

	// RedirectURL is the proxy's own OAuth callback URL.
	RedirectURL string

	// States routes OAuth callbacks back to the server that issued them.
	States *oauth.StateRegistry

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Factory builds transport specs from server configs.
type Factory struct {
	logger         *zap.Logger
	version        string
	listenAddr     string
	configPath     string
	selfExe        string
	tokenDir       string
	redirectURL    string
	states         *oauth.StateRegistry
	connectTimeout time.Duration
	requestTimeout time.Duration
}

// NewFactory creates a factory. Zero timeouts fall back to the defaults.
func NewFactory(logger *zap.Logger, opts Options) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}

	selfExe := opts.SelfExecutable
	if selfExe == "" {
		if exe, err := os.Executable(); err == nil {
			selfExe = exe
		}
	}
	if selfExe != "" {
		if abs, err := filepath.Abs(selfExe); err == nil {
			selfExe = abs
		}
	}

	configPath := opts.ConfigPath
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Factory{
		logger:         logger,
		version:        version,
		listenAddr:     opts.ListenAddr,
		configPath:     configPath,
		selfExe:        selfExe,
		tokenDir:       opts.TokenDir,
		redirectURL:    opts.RedirectURL,
		states:         opts.States,
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
	}
}

// Build produces the transport spec for one server. Config shapes that
// cannot produce a transport fail with a TransportBuild error; specs that
// would connect the proxy to itself fail with a ClientConnection error.
func (f *Factory) Build(name string, cfg *config.ServerConfig) (*Spec, error) {
	if cfg == nil {
		return nil, apperr.TransportBuild(name, errors.New("missing server config"))
	}

	spec := &Spec{
		Name:              name,
		Kind:              cfg.EffectiveKind(),
		Tags:              append([]string(nil), cfg.Tags...),
		ConnectionTimeout: cfg.ConnectionTimeout.OrDefault(f.connectTimeout),
		RequestTimeout:    cfg.RequestTimeout.OrDefault(f.requestTimeout),
		RestartOnExit:     cfg.RestartOnExit,
		MaxRestarts:       cfg.MaxRestarts,
		RestartDelay:      cfg.RestartDelay.OrDefault(defaultRestartDelay),
	}

	switch spec.Kind {
	case config.KindStdio:
		if cfg.Command == "" {
			return nil, apperr.TransportBuild(name, errors.New("stdio transport requires a command"))
		}
		spec.Command = cfg.Command
		spec.Args = append([]string(nil), cfg.Args...)
		spec.Cwd = cfg.Cwd
		spec.Env = secureenv.NewManager(&secureenv.Config{
			InheritParentEnv: cfg.InheritParentEnv,
			EnvFilter:        cfg.EnvFilter,
			Custom:           cfg.Env,
		}).Build()

	case config.KindHTTP, config.KindSSE:
		if cfg.URL == "" {
			return nil, apperr.TransportBuild(name, fmt.Errorf("%s transport requires a url", spec.Kind))
		}
		if _, err := url.Parse(cfg.URL); err != nil {
			return nil, apperr.TransportBuild(name, fmt.Errorf("invalid url: %w", err))
		}
		spec.URL = cfg.URL
		headers := make(map[string]string, len(cfg.Headers)+1)
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		if _, ok := headers["User-Agent"]; !ok {
			headers["User-Agent"] = "onemcp/" + f.version
		}
		spec.Headers = headers

	case "":
		return nil, apperr.TransportBuild(name, errors.New("cannot determine transport kind: set command, url or kind"))

	default:
		return nil, apperr.TransportBuild(name, fmt.Errorf("unsupported transport kind %q", spec.Kind))
	}

	if cfg.OAuth != nil && (spec.Kind == config.KindHTTP || spec.Kind == config.KindSSE) {
		spec.OAuthProvider = f.newOAuthProvider(name, cfg.OAuth)
	}

	if err := f.checkCircular(spec); err != nil {
		return nil, err
	}

	f.logger.Debug("built transport spec",
		zap.String("server", name),
		zap.String("kind", spec.Kind),
		zap.Duration("connection_timeout", spec.ConnectionTimeout),
		zap.Duration("request_timeout", spec.RequestTimeout))

	return spec, nil
}

// newOAuthProvider binds a server's OAuth settings to a token store. Tokens
// persist under the token dir when one is configured.
func (f *Factory) newOAuthProvider(name string, cfg *config.OAuthConfig) oauth.Authorizer {
	var store client.TokenStore
	if f.tokenDir != "" {
		path := filepath.Join(f.tokenDir, storage.SafeFileName(name)+".json")
		store = oauth.NewFileTokenStore(path, f.logger.Named("tokens"))
	} else {
		store = client.NewMemoryTokenStore()
	}
	return oauth.NewProvider(name, cfg, store, f.redirectURL, f.states, f.logger.Named("oauth"))
}
