package upstream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/logs"
	"github.com/onemcp/onemcp-go/internal/transport"
)

// DefaultSelfName is the identity the proxy announces to upstreams when the
// caller does not override it.
const DefaultSelfName = "onemcp"

// Options tunes the manager and every client it creates.
type Options struct {
	// SelfName is this proxy's identity in the MCP handshake. Upstreams
	// reporting the same name back are rejected as circular.
	SelfName    string
	Version     string
	MaxAttempts int
	RetryDelay  time.Duration
	// PingInterval is the stdio health check interval.
	PingInterval time.Duration
	// LogConfig, when set, gives every upstream its own log file.
	LogConfig *config.LogConfig
}

// Hooks observe connection lifecycle events across all servers. Callbacks
// run on connection goroutines and must not block.
type Hooks struct {
	OnStateChange  func(server string, oldState, newState State, info Info)
	OnNotification func(server string, notification mcp.JSONRPCNotification)
}

// Manager owns the set of upstream clients. All map access is internally
// synchronized, and a per-name in-flight registry keeps connects,
// reconnects and OAuth completions for the same server from overlapping.
type Manager struct {
	factory *transport.Factory
	logger  *zap.Logger
	opts    Options
	hooks   Hooks

	mu       sync.Mutex
	clients  map[string]*Client
	inflight map[string]chan struct{}
}

// NewManager creates an empty manager. Servers are registered with
// AddServer and connected explicitly.
func NewManager(factory *transport.Factory, logger *zap.Logger, opts Options, hooks Hooks) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SelfName == "" {
		opts.SelfName = DefaultSelfName
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	return &Manager{
		factory:  factory,
		logger:   logger,
		opts:     opts,
		hooks:    hooks,
		clients:  make(map[string]*Client),
		inflight: make(map[string]chan struct{}),
	}
}

// AddServer builds a client for the config and registers it under name.
// An existing client under the same name is closed and replaced. The new
// client starts Disconnected; call Connect to dial it.
func (m *Manager) AddServer(name string, cfg *config.ServerConfig) error {
	spec, err := m.factory.Build(name, cfg)
	if err != nil {
		return err
	}

	cl := NewClient(ClientConfig{
		Spec:           spec,
		Factory:        m.factory,
		Logger:         m.clientLogger(name),
		SelfName:       m.opts.SelfName,
		SelfVersion:    m.opts.Version,
		MaxAttempts:    m.opts.MaxAttempts,
		RetryDelay:     m.opts.RetryDelay,
		PingInterval:   m.opts.PingInterval,
		OnStateChange:  m.stateHook(name),
		OnNotification: m.notificationHook(name),
	})

	m.mu.Lock()
	old := m.clients[name]
	m.clients[name] = cl
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.logger.Info("registered upstream",
		zap.String("server", name),
		zap.String("kind", spec.Kind))
	return nil
}

// RemoveServer closes and drops a client.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	cl, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()

	if !ok {
		return apperr.ClientNotFound(name)
	}

	cl.Close()
	m.logger.Info("removed upstream", zap.String("server", name))
	return nil
}

// Connect dials one server, holding its in-flight slot for the duration so
// concurrent connects for the same name collapse to one.
func (m *Manager) Connect(ctx context.Context, name string) error {
	if err := m.acquire(ctx, name); err != nil {
		return err
	}
	defer m.release(name)

	cl, ok := m.Get(name)
	if !ok {
		return apperr.ClientNotFound(name)
	}
	return cl.Connect(ctx)
}

// ConnectAll dials every registered server concurrently. Individual
// failures are recorded on their own records and logged; only cancellation
// aborts the whole operation.
func (m *Manager) ConnectAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range m.Names() {
		g.Go(func() error {
			err := m.Connect(gctx, name)
			switch {
			case err == nil:
			case gctx.Err() != nil:
				return gctx.Err()
			case apperr.IsKind(err, apperr.KindOAuthRequired):
				m.logger.Info("upstream requires authorization",
					zap.String("server", name),
					zap.String("authorization_url", apperr.AuthURLOf(err)))
			default:
				m.logger.Warn("upstream connect failed",
					zap.String("server", name),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Reconnect closes any live session for name and dials again.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	if err := m.acquire(ctx, name); err != nil {
		return err
	}
	defer m.release(name)

	cl, ok := m.Get(name)
	if !ok {
		return apperr.ClientNotFound(name)
	}
	cl.Disconnect()
	return cl.Connect(ctx)
}

// CompleteOAuthAndReconnect finishes a pending authorization flow with the
// callback code and re-establishes the session. On failure the previous
// connection record is untouched.
func (m *Manager) CompleteOAuthAndReconnect(ctx context.Context, name, code string) error {
	if err := m.acquire(ctx, name); err != nil {
		return err
	}
	defer m.release(name)

	cl, ok := m.Get(name)
	if !ok {
		return apperr.ClientNotFound(name)
	}
	return cl.CompleteOAuth(ctx, code)
}

// UpdateTags replaces a server's tags in place, without reconnecting.
func (m *Manager) UpdateTags(name string, tags []string) error {
	cl, ok := m.Get(name)
	if !ok {
		return apperr.ClientNotFound(name)
	}
	cl.SetTags(tags)
	m.logger.Info("updated upstream tags",
		zap.String("server", name),
		zap.Strings("tags", tags))
	return nil
}

// Get returns the client for name.
func (m *Manager) Get(name string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.clients[name]
	return cl, ok
}

// All returns a snapshot of the registry.
func (m *Manager) All() map[string]*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Client, len(m.clients))
	for name, cl := range m.clients {
		out[name] = cl
	}
	return out
}

// Names returns all registered server names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns the current connection record of every server.
func (m *Manager) Infos() map[string]Info {
	out := make(map[string]Info)
	for name, cl := range m.All() {
		out[name] = cl.Info()
	}
	return out
}

// Shutdown closes every upstream and clears the registry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, cl := range clients {
		cl.Close()
	}
	m.logger.Info("all upstreams closed", zap.Int("count", len(clients)))
}

// acquire takes the per-name operation slot, waiting out any operation
// already in flight for the same server.
func (m *Manager) acquire(ctx context.Context, name string) error {
	for {
		m.mu.Lock()
		ch, busy := m.inflight[name]
		if !busy {
			m.inflight[name] = make(chan struct{})
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindCancelled, ctx.Err(),
				"waiting for in-flight operation on %s", name)
		}
	}
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	ch := m.inflight[name]
	delete(m.inflight, name)
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// clientLogger builds the per-server logger, falling back to a named child
// of the manager logger when no file can be created.
func (m *Manager) clientLogger(name string) *zap.Logger {
	if m.opts.LogConfig != nil {
		l, err := logs.CreateUpstreamLogger(m.opts.LogConfig, name)
		if err == nil {
			return l
		}
		m.logger.Warn("failed to create upstream log file",
			zap.String("server", name),
			zap.Error(err))
	}
	return m.logger.Named("upstream").With(zap.String("server", name))
}

func (m *Manager) stateHook(name string) StateChangeFunc {
	return func(oldState, newState State, info Info) {
		m.logger.Debug("upstream state change",
			zap.String("server", name),
			zap.String("from", oldState.String()),
			zap.String("to", newState.String()))
		if m.hooks.OnStateChange != nil {
			m.hooks.OnStateChange(name, oldState, newState, info)
		}
	}
}

func (m *Manager) notificationHook(name string) func(mcp.JSONRPCNotification) {
	return func(n mcp.JSONRPCNotification) {
		if m.hooks.OnNotification != nil {
			m.hooks.OnNotification(name, n)
		}
	}
}
