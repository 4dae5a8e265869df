// Package runtime assembles the proxy. It constructs every long-lived
// component, wires their hooks together, and drives startup, config reloads,
// and shutdown. Nothing here speaks MCP or HTTP; internal/server attaches
// those surfaces to a running Runtime.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/aggregate"
	"github.com/onemcp/onemcp-go/internal/appcontext"
	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/health"
	"github.com/onemcp/onemcp-go/internal/notify"
	"github.com/onemcp/onemcp-go/internal/oauth"
	"github.com/onemcp/onemcp-go/internal/observability"
	"github.com/onemcp/onemcp-go/internal/preset"
	"github.com/onemcp/onemcp-go/internal/reload"
	"github.com/onemcp/onemcp-go/internal/secret"
	"github.com/onemcp/onemcp-go/internal/session"
	"github.com/onemcp/onemcp-go/internal/storage"
	"github.com/onemcp/onemcp-go/internal/transport"
	"github.com/onemcp/onemcp-go/internal/upstream"
)

// SelfName is the proxy's identity in MCP handshakes. Upstreams reporting
// this name back are rejected as circular.
const SelfName = "onemcp"

// Runtime owns the component graph. Construct with New, then Start; the
// inbound server binds itself through BindNotifier before serving.
type Runtime struct {
	logger   *zap.Logger
	settings *config.Settings
	version  string

	phase *phaseMachine
	bus   *Bus

	layout  storage.Layout
	store   *storage.BoltStore
	secrets *secret.Resolver
	loader  *config.Loader
	builder *appcontext.Builder

	caps  *aggregate.Capabilities
	instr *aggregate.Instructions

	states    *oauth.StateRegistry
	factory   *transport.Factory
	upstreams *upstream.Manager
	engine    *reload.Engine

	sessions    *session.Store
	presets     *preset.Store
	filter      *session.Filter
	notifier    *notifierHandle
	router      *notify.Router
	broadcaster *notify.Broadcaster

	obs *observability.Manager

	// mu guards the applied document and the latest context snapshot.
	mu          sync.RWMutex
	servers     map[string]*config.ServerConfig
	lastContext *appcontext.Snapshot

	appCtx    context.Context
	appCancel context.CancelFunc
	wg        sync.WaitGroup

	// spawnMu orders hook-spawned goroutines against shutdown so wg.Wait
	// cannot race a late wg.Add.
	spawnMu  sync.Mutex
	draining bool

	docWatcher    *config.Watcher
	presetWatcher *config.Watcher

	startTime time.Time
}

// New wires the component graph without touching the network. Settings must
// already have paths resolved. The returned runtime is idle until Start.
func New(logger *zap.Logger, settings *config.Settings, version string) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings == nil {
		return nil, fmt.Errorf("runtime: settings are required")
	}
	if settings.DataDir == "" || settings.ConfigPath == "" {
		return nil, fmt.Errorf("runtime: settings paths are not resolved")
	}
	if version == "" {
		version = "dev"
	}

	rt := &Runtime{
		logger:    logger.Named("runtime"),
		settings:  settings,
		version:   version,
		phase:     newPhaseMachine(),
		bus:       NewBus(logger),
		layout:    storage.NewLayout(settings.DataDir),
		servers:   make(map[string]*config.ServerConfig),
		startTime: time.Now(),
	}
	rt.appCtx, rt.appCancel = context.WithCancel(context.Background())

	if err := rt.layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}

	obs, err := observability.NewManager(logger, rt.observabilityConfig())
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	rt.obs = obs

	store, err := storage.NewBoltStore(settings.DataDir, logger)
	if err != nil {
		rt.closePartial(context.Background())
		return nil, fmt.Errorf("open state cache: %w", err)
	}
	rt.store = store

	rt.secrets = secret.NewResolver()
	rt.secrets.RegisterProvider(secret.SecretTypeEnv, secret.NewEnvProvider())
	rt.secrets.RegisterProvider(secret.SecretTypeKeyring, secret.NewKeyringProvider())

	rt.caps = aggregate.NewCapabilities(logger, store)
	rt.instr = aggregate.NewInstructions()

	rt.states = oauth.NewStateRegistry()
	rt.factory = transport.NewFactory(logger, transport.Options{
		Version:        version,
		ListenAddr:     settings.Listen,
		ConfigPath:     settings.ConfigPath,
		TokenDir:       rt.layout.ClientSessionsDir(),
		RedirectURL:    fmt.Sprintf("http://%s/oauth/callback", settings.Listen),
		States:         rt.states,
		ConnectTimeout: settings.ConnectTimeoutMs.Duration(),
		RequestTimeout: settings.RequestTimeoutMs.Duration(),
	})

	rt.upstreams = upstream.NewManager(rt.factory, logger, upstream.Options{
		SelfName:   SelfName,
		Version:    version,
		RetryDelay: settings.RetryDelayMs.Duration(),
		LogConfig:  settings.Logging,
	}, upstream.Hooks{
		OnStateChange:  rt.onUpstreamStateChange,
		OnNotification: rt.onUpstreamNotification,
	})

	rt.engine = reload.NewEngine(logger, rt.upstreams, rt.caps, rt.instr, reload.Hooks{
		OnEvent:       rt.onReloadEvent,
		OnTagsChanged: rt.onTagsChanged,
	})

	sessions, err := session.NewStore(logger, session.Options{
		Dir:             rt.layout.SessionsDir(),
		Prefix:          settings.SessionFilePrefix,
		Persist:         settings.SessionPersistence,
		TTL:             settings.SessionTTL(),
		PersistRequests: settings.PersistRequests,
		PersistInterval: settings.PersistInterval(),
		FlushInterval:   settings.BackgroundFlush(),
		OnPersist:       rt.onSessionPersist,
	})
	if err != nil {
		rt.closePartial(context.Background())
		return nil, fmt.Errorf("init session store: %w", err)
	}
	rt.sessions = sessions

	presets, err := preset.NewStore(logger, preset.Options{
		Path:      rt.layout.PresetsPath(),
		OnChanged: rt.onPresetChanged,
	})
	if err != nil {
		rt.closePartial(context.Background())
		return nil, fmt.Errorf("load presets: %w", err)
	}
	rt.presets = presets

	rt.filter = session.NewFilter(logger, presets)

	rt.notifier = &notifierHandle{}
	rt.router = notify.NewRouter(logger, rt.notifier, notify.Options{
		BatchDelay: rt.settings.BatchDelayMs.Duration(),
		OnBatched:  rt.onNotificationBatched,
	})
	rt.broadcaster = notify.NewBroadcaster(logger, rt.connectedUpstreams)

	rt.loader = config.NewLoader(logger, config.LoaderOptions{
		EnvSubstitution: settings.EnvSubstitution,
		StrictEnv:       settings.StrictEnv,
		Resolver:        rt.secrets,
		Cache:           store,
	})

	rt.builder = appcontext.NewBuilder(logger, appcontext.Options{
		Version:  version,
		Prefixes: settings.EnvAllowedPrefixes,
	})

	rt.registerHealthCheckers()

	return rt, nil
}

// closePartial tears down whatever New built before failing.
func (r *Runtime) closePartial(ctx context.Context) {
	if r.sessions != nil {
		r.sessions.Stop()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("failed to close state cache", zap.Error(err))
		}
	}
	if r.obs != nil {
		if err := r.obs.Close(ctx); err != nil {
			r.logger.Warn("failed to close observability", zap.Error(err))
		}
	}
}

func (r *Runtime) observabilityConfig() observability.Config {
	cfg := observability.DefaultConfig(SelfName, r.version)
	cfg.Metrics.Enabled = r.settings.EnableMetrics
	if r.settings.TracingEndpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.OTLPEndpoint = r.settings.TracingEndpoint
	}
	return cfg
}

func (r *Runtime) registerHealthCheckers() {
	r.obs.RegisterHealthChecker(observability.NewDatabaseHealthChecker("state-cache", r.store.DB()))
	r.obs.RegisterReadinessChecker(observability.NewUpstreamReadinessChecker("upstreams", r.upstreamCounts, 0))

	running := func() bool {
		switch r.phase.Current() {
		case PhaseRunning, PhaseStarting:
			return true
		default:
			return false
		}
	}
	lifecycle := observability.NewComponentHealthChecker("lifecycle", running, func() bool {
		return r.phase.Current() == PhaseRunning
	})
	r.obs.RegisterHealthChecker(lifecycle)
	r.obs.RegisterReadinessChecker(lifecycle)
}

// upstreamCounts reports configured (enabled) versus connected servers.
func (r *Runtime) upstreamCounts() (total, connected int) {
	infos := r.upstreams.Infos()
	total = len(infos)
	for _, info := range infos {
		if info.State == upstream.StateConnected {
			connected++
		}
	}
	return total, connected
}

// connectedUpstreams snapshots the clients the broadcaster should address.
func (r *Runtime) connectedUpstreams() []notify.Upstream {
	clients := r.upstreams.All()
	out := make([]notify.Upstream, 0, len(clients))
	for _, cl := range clients {
		if cl.State() == upstream.StateConnected {
			out = append(out, cl)
		}
	}
	return out
}

// Phase returns the current lifecycle phase.
func (r *Runtime) Phase() Phase { return r.phase.Current() }

// Version returns the build version the runtime was constructed with.
func (r *Runtime) Version() string { return r.version }

// StartTime returns when the runtime was constructed.
func (r *Runtime) StartTime() time.Time { return r.startTime }

// Settings returns the proxy-level configuration.
func (r *Runtime) Settings() *config.Settings { return r.settings }

// Events returns the runtime event bus.
func (r *Runtime) Events() *Bus { return r.bus }

// Sessions returns the inbound session store.
func (r *Runtime) Sessions() *session.Store { return r.sessions }

// Presets returns the filter preset store.
func (r *Runtime) Presets() *preset.Store { return r.presets }

// Filter returns the session filter evaluator.
func (r *Runtime) Filter() *session.Filter { return r.filter }

// Capabilities returns the capability aggregator.
func (r *Runtime) Capabilities() *aggregate.Capabilities { return r.caps }

// Instructions returns the instruction aggregator.
func (r *Runtime) Instructions() *aggregate.Instructions { return r.instr }

// Upstreams returns the outbound connection manager.
func (r *Runtime) Upstreams() *upstream.Manager { return r.upstreams }

// Router returns the outbound-to-inbound notification router.
func (r *Runtime) Router() *notify.Router { return r.router }

// Broadcaster returns the inbound-to-outbound control broadcaster.
func (r *Runtime) Broadcaster() *notify.Broadcaster { return r.broadcaster }

// Observability returns the metrics, tracing, and health manager.
func (r *Runtime) Observability() *observability.Manager { return r.obs }

// LastReload returns the most recent reload operation, or nil before the
// first apply.
func (r *Runtime) LastReload() *reload.Operation { return r.engine.Last() }

// Secrets returns the secret reference resolver.
func (r *Runtime) Secrets() *secret.Resolver { return r.secrets }

// BindNotifier points the notification router at the inbound server. Must
// be called before the first session registers.
func (r *Runtime) BindNotifier(n notify.SessionNotifier) {
	r.notifier.bind(n)
}

// ContextSnapshot returns the snapshot used for the last document render.
func (r *Runtime) ContextSnapshot() *appcontext.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastContext
}

// ServerConfigs returns a copy of the currently applied document.
func (r *Runtime) ServerConfigs() map[string]*config.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*config.ServerConfig, len(r.servers))
	for name, cfg := range r.servers {
		out[name] = cfg
	}
	return out
}

// serversSnapshot returns the applied document without copying. Callers
// must not mutate it.
func (r *Runtime) serversSnapshot() map[string]*config.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.servers
}

// ServerTags returns the effective tags of every configured server, taken
// from the live client when one exists and from the applied document
// otherwise.
func (r *Runtime) ServerTags() map[string][]string {
	configs := r.serversSnapshot()
	out := make(map[string][]string, len(configs))
	for name := range configs {
		out[name] = r.serverTags(name)
	}
	return out
}

// HealthRows computes one health row per configured server.
func (r *Runtime) HealthRows(ctx context.Context) []health.Row {
	configs := r.ServerConfigs()
	infos := r.upstreams.Infos()

	inputs := make([]health.Input, 0, len(configs))
	for name, cfg := range configs {
		in := health.Input{
			Server:   name,
			Disabled: cfg.Disabled,
			Tags:     cfg.Tags,
		}
		if info, ok := infos[name]; ok {
			in.State = info.State.String()
			in.RetryCount = info.RetryCount
			in.AuthorizationURL = info.AuthorizationURL
			if info.LastError != nil {
				in.LastError = info.LastError.Error()
			}
		}
		if snap, ok := r.caps.Snapshot(name); ok {
			in.Tools, in.Resources, in.Prompts = snap.Counts()
		}
		r.fillTokenState(ctx, cfg, &in)
		inputs = append(inputs, in)
	}
	return health.CalculateAll(inputs, health.DefaultConfig())
}

// fillTokenState reads the persisted OAuth token, when one exists, so the
// health row can warn about expiry.
func (r *Runtime) fillTokenState(ctx context.Context, cfg *config.ServerConfig, in *health.Input) {
	if cfg.OAuth == nil {
		return
	}
	store := oauth.NewFileTokenStore(r.layout.ClientSessionPath(in.Server), r.logger)
	token, err := store.GetToken(ctx)
	if err != nil {
		return
	}
	in.HasRefreshToken = token.RefreshToken != ""
	if !token.ExpiresAt.IsZero() {
		expires := token.ExpiresAt
		in.TokenExpiresAt = &expires
	}
}

// CompleteOAuth finishes an authorization round-trip for the named server
// and reconnects it.
func (r *Runtime) CompleteOAuth(ctx context.Context, server, code string) error {
	endSpan := func() {}
	if tr := r.obs.Tracing(); tr != nil {
		spanCtx, span := tr.TraceUpstreamConnect(ctx, server)
		ctx = spanCtx
		endSpan = func() { span.End() }
	}
	defer endSpan()

	if err := r.upstreams.CompleteOAuthAndReconnect(ctx, server, code); err != nil {
		if tr := r.obs.Tracing(); tr != nil {
			tr.SetSpanError(ctx, err)
		}
		return err
	}
	// The AwaitingOAuth -> Connected transition publishes oauth.completed.
	return nil
}

// ResolveOAuthState maps a callback state parameter back to the server that
// started the authorization.
func (r *Runtime) ResolveOAuthState(state string) (string, bool) {
	return r.states.Resolve(state)
}

// notifierHandle lets the notification router be constructed before the
// inbound server exists. Sessions only register through the server, so the
// target is always bound before the first send.
type notifierHandle struct {
	mu     sync.RWMutex
	target notify.SessionNotifier
}

var _ notify.SessionNotifier = (*notifierHandle)(nil)

func (h *notifierHandle) bind(n notify.SessionNotifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = n
}

func (h *notifierHandle) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	h.mu.RLock()
	target := h.target
	h.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("no inbound server bound")
	}
	return target.SendNotificationToSpecificClient(sessionID, method, params)
}
