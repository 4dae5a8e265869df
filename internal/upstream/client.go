// Package upstream maintains the outbound connections to configured MCP
// servers. Each server gets a Client that owns its transport, tracks its
// lifecycle state, retries failed connects, drives OAuth flows and, for
// supervised stdio servers, relaunches exited child processes. The Manager
// aggregates clients under per-name concurrency control.
package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/transport"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryDelay   = time.Second
	defaultPingInterval = 30 * time.Second

	pingTimeout = 10 * time.Second
	killGrace   = 2 * time.Second
)

// errCircular marks an upstream that answered the handshake with this
// proxy's own identity, meaning the config points the proxy at itself.
var errCircular = errors.New("circular dependency: upstream identifies as this proxy")

// ClientConfig wires one upstream client.
type ClientConfig struct {
	Spec    *transport.Spec
	Factory *transport.Factory
	Logger  *zap.Logger

	// SelfName and SelfVersion identify this proxy during the MCP
	// handshake. An upstream reporting SelfName back is rejected as
	// circular.
	SelfName    string
	SelfVersion string

	MaxAttempts  int
	RetryDelay   time.Duration
	PingInterval time.Duration

	OnStateChange  StateChangeFunc
	OnNotification func(mcp.JSONRPCNotification)
}

// Client is the live connection to one upstream MCP server.
type Client struct {
	name    string
	spec    *transport.Spec
	factory *transport.Factory
	logger  *zap.Logger
	state   *tracker

	selfName     string
	selfVersion  string
	maxAttempts  int
	retryDelay   time.Duration
	pingInterval time.Duration

	onNotification func(mcp.JSONRPCNotification)

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu      sync.RWMutex
	mcp     *client.Client
	caps    mcp.ServerCapabilities
	proc    *exec.Cmd
	stdio   *mcptransport.Stdio
	tags    []string
	session uint64
	closing bool

	super *supervisor
}

// NewClient builds a client for spec. It does not connect; call Connect.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	selfName := cfg.SelfName
	if selfName == "" {
		selfName = DefaultSelfName
	}
	selfVersion := cfg.SelfVersion
	if selfVersion == "" {
		selfVersion = "dev"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	c := &Client{
		name:           cfg.Spec.Name,
		spec:           cfg.Spec,
		factory:        cfg.Factory,
		logger:         logger,
		state:          newTracker(cfg.Spec.Name, logger, cfg.OnStateChange),
		selfName:       selfName,
		selfVersion:    selfVersion,
		maxAttempts:    maxAttempts,
		retryDelay:     retryDelay,
		pingInterval:   pingInterval,
		onNotification: cfg.OnNotification,
		lifeCtx:        lifeCtx,
		lifeCancel:     lifeCancel,
		tags:           append([]string(nil), cfg.Spec.Tags...),
	}
	c.super = newSupervisor(c)
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Kind returns the transport kind: stdio, http or sse.
func (c *Client) Kind() string { return c.spec.Kind }

// State returns the current lifecycle state.
func (c *Client) State() State { return c.state.State() }

// Info returns a snapshot of the connection record.
func (c *Client) Info() Info { return c.state.Info() }

// Instructions returns the instructions the server reported, if any.
func (c *Client) Instructions() string { return c.state.Info().Instructions }

// Capabilities returns the capability set from the last handshake.
func (c *Client) Capabilities() mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// Tags returns a copy of the server's current tags.
func (c *Client) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.tags...)
}

// SetTags replaces the server's tags without touching the connection.
func (c *Client) SetTags(tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = append([]string(nil), tags...)
}

// AuthorizationURL returns the pending authorization URL, or empty when no
// flow is waiting.
func (c *Client) AuthorizationURL() string { return c.state.Info().AuthorizationURL }

// Connect dials the upstream, retrying transient failures with exponential
// backoff. Authorization demands and circular identities abort the retry
// loop immediately. On return the record is Connected, AwaitingOAuth,
// Error, or Disconnected when ctx was cancelled.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosing() {
		return apperr.Cancelled("client closed: " + c.name)
	}

	c.state.transition(StateConnecting)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retryDelay
	expBackoff.RandomizationFactor = 0
	expBackoff.Multiplier = 2

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, c.connectOnce(ctx, attempt)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.state.recordRetry(err)
			c.logger.Warn("connect attempt failed, retrying",
				zap.String("server", c.name),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}

	switch {
	case apperr.IsKind(err, apperr.KindOAuthRequired):
		// The record already moved to AwaitingOAuth with the URL set.
		return err
	case ctx.Err() != nil:
		c.state.disconnect(err)
		return apperr.Wrap(apperr.KindCancelled, err, "connect %s cancelled", c.name)
	default:
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.ClientConnection(c.name, err)
		}
		c.state.fail(err)
		return err
	}
}

func (c *Client) connectOnce(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}

	c.logger.Debug("dialing upstream",
		zap.String("server", c.name),
		zap.String("kind", c.spec.Kind),
		zap.Int("attempt", attempt))

	mcpClient, result, err := c.dial(ctx)
	if err != nil {
		return c.classifyDialError(ctx, err)
	}

	c.adopt(mcpClient, result, false)
	return nil
}

// classifyDialError decides whether a failed attempt is worth retrying.
// Authorization demands move the record to AwaitingOAuth and stop the loop;
// circular identities and unbuildable transports stop it too, since no
// retry can fix the config.
func (c *Client) classifyDialError(ctx context.Context, err error) error {
	if client.IsOAuthAuthorizationRequiredError(err) {
		return c.beginOAuth(ctx, err)
	}
	if errors.Is(err, errCircular) {
		return backoff.Permanent(err)
	}
	if apperr.IsKind(err, apperr.KindTransportBuild) {
		return backoff.Permanent(err)
	}
	return err
}

// beginOAuth starts the authorization flow after the upstream rejected the
// connect. Without a configured provider the rejection stays an ordinary
// retryable failure, mirroring how a misconfigured API key behaves.
func (c *Client) beginOAuth(ctx context.Context, cause error) error {
	provider := c.spec.OAuthProvider
	if provider == nil {
		c.logger.Warn("upstream requires authorization but no oauth is configured",
			zap.String("server", c.name))
		return cause
	}

	authURL, err := provider.BeginAuthorization(ctx, cause)
	if err != nil {
		c.logger.Error("failed to start authorization flow",
			zap.String("server", c.name),
			zap.Error(err))
		return backoff.Permanent(apperr.ClientConnection(c.name, err))
	}

	c.state.awaitOAuth(authURL)
	c.logger.Info("upstream awaiting authorization",
		zap.String("server", c.name),
		zap.String("authorization_url", authURL))

	return backoff.Permanent(apperr.OAuthRequired(c.name, authURL))
}

// dial builds a fresh transport and client, starts it and initializes the
// MCP session. It owns cleanup on failure and never touches the state
// tracker, so callers decide how an outcome is recorded.
func (c *Client) dial(ctx context.Context) (*client.Client, *mcp.InitializeResult, error) {
	var opts []transport.ClientOption
	if c.spec.Kind == config.KindStdio {
		opts = append(opts,
			transport.WithProcessObserver(c.captureProcess),
			transport.WithStdioHandle(c.captureStdio))
	}

	mcpClient, err := c.factory.NewClient(c.spec, opts...)
	if err != nil {
		return nil, nil, err
	}

	// The transport must outlive the connect window: stdio children and
	// SSE streams die with their start context. The connection timeout
	// bounds only the handshake below.
	if err := mcpClient.Start(context.Background()); err != nil {
		_ = mcpClient.Close()
		return nil, nil, fmt.Errorf("start transport: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, c.spec.ConnectionTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: c.selfName, Version: c.selfVersion}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	result, err := mcpClient.Initialize(initCtx, initReq)
	if err != nil {
		_ = mcpClient.Close()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, apperr.ConnectionTimeout(c.name)
		}
		return nil, nil, fmt.Errorf("initialize session: %w", err)
	}

	if result.ServerInfo.Name == c.selfName {
		_ = mcpClient.Close()
		return nil, nil, apperr.ClientConnection(c.name, errCircular)
	}

	return mcpClient, result, nil
}

// adopt installs a freshly initialized session as the live connection and
// moves the record to Connected. preserveInstructions keeps previously
// cached instructions when the new session reports none, which matters for
// sessions re-established after token expiry.
func (c *Client) adopt(mcpClient *client.Client, result *mcp.InitializeResult, preserveInstructions bool) {
	c.mu.Lock()
	old := c.mcp
	c.mcp = mcpClient
	c.caps = result.Capabilities
	c.session++
	session := c.session
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	c.state.setIdentity(result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	c.state.setInstructions(result.Instructions, preserveInstructions)

	mcpClient.OnNotification(func(n mcp.JSONRPCNotification) {
		if c.currentSession() != session {
			return
		}
		c.handleNotification(n)
	})
	mcpClient.OnConnectionLost(func(err error) {
		c.handleConnectionLost(session, err)
	})

	c.state.transition(StateConnected)

	if c.spec.Kind == config.KindStdio {
		go c.watchdog(session)
		go c.drainStderr(session)
	}

	c.logger.Info("upstream connected",
		zap.String("server", c.name),
		zap.String("kind", c.spec.Kind),
		zap.String("remote_name", result.ServerInfo.Name),
		zap.String("remote_version", result.ServerInfo.Version),
		zap.String("protocol_version", result.ProtocolVersion))
}

// CompleteOAuth exchanges the authorization code and reconnects. The record
// changes only when the new session is fully established; any failure keeps
// the previous record intact, including its AwaitingOAuth state.
func (c *Client) CompleteOAuth(ctx context.Context, code string) error {
	if c.spec.Kind != config.KindHTTP && c.spec.Kind != config.KindSSE {
		return apperr.Capability(c.name, "oauth")
	}
	provider := c.spec.OAuthProvider
	if provider == nil {
		return apperr.Capability(c.name, "oauth")
	}

	if err := provider.FinishAuth(ctx, code); err != nil {
		return err
	}

	mcpClient, result, err := c.dial(ctx)
	if err != nil {
		return apperr.ClientConnection(c.name, fmt.Errorf("reconnect after authorization: %w", err))
	}

	c.adopt(mcpClient, result, true)

	c.logger.Info("authorization completed", zap.String("server", c.name))
	return nil
}

// Disconnect closes the live session but keeps the client reusable. The
// record moves to Disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	mcpClient := c.mcp
	proc := c.proc
	c.mcp = nil
	c.proc = nil
	c.stdio = nil
	c.session++
	c.mu.Unlock()

	if mcpClient != nil {
		_ = mcpClient.Close()
	}
	if proc != nil {
		transport.KillProcessTree(proc, killGrace)
	}

	c.state.disconnect(nil)
}

// Close tears the client down for good: the session is closed, supervised
// restarts stop, and the child process tree is reaped.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	c.lifeCancel()
	c.Disconnect()
}

func (c *Client) isClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

func (c *Client) currentSession() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) captureProcess(cmd *exec.Cmd) {
	c.mu.Lock()
	c.proc = cmd
	c.mu.Unlock()
}

func (c *Client) captureStdio(stdio *mcptransport.Stdio) {
	c.mu.Lock()
	c.stdio = stdio
	c.mu.Unlock()
}

func (c *Client) handleNotification(n mcp.JSONRPCNotification) {
	c.logger.Debug("upstream notification",
		zap.String("server", c.name),
		zap.String("method", n.Method))
	if c.onNotification != nil {
		c.onNotification(n)
	}
}

// handleConnectionLost records a lost session and, for supervised stdio
// servers, hands the exit to the restart supervisor. Stale sessions and
// teardown races are ignored.
func (c *Client) handleConnectionLost(session uint64, err error) {
	c.mu.Lock()
	if c.closing || session != c.session {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.state.State() != StateConnected {
		return
	}

	c.logger.Warn("upstream connection lost",
		zap.String("server", c.name),
		zap.Error(err))

	c.state.disconnect(err)

	if c.spec.Kind == config.KindStdio && c.spec.RestartOnExit {
		c.super.onExit()
	}
}

// watchdog pings a stdio child on an interval. mcp-go surfaces connection
// loss for network transports only, so a dead child would otherwise go
// unnoticed until the next proxied call.
func (c *Client) watchdog(session uint64) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.lifeCtx.Done():
			return
		case <-ticker.C:
		}

		if c.currentSession() != session || c.state.State() != StateConnected {
			return
		}

		c.mu.RLock()
		sess := c.mcp
		c.mu.RUnlock()
		if sess == nil {
			return
		}

		pingCtx, cancel := context.WithTimeout(c.lifeCtx, pingTimeout)
		err := sess.Ping(pingCtx)
		cancel()
		if err != nil {
			if c.currentSession() != session {
				return
			}
			c.handleConnectionLost(session, fmt.Errorf("health ping failed: %w", err))
			return
		}
	}
}

// drainStderr copies the child's stderr into the upstream log. Many stdio
// servers use stderr as their only diagnostic channel.
func (c *Client) drainStderr(session uint64) {
	c.mu.RLock()
	stdio := c.stdio
	c.mu.RUnlock()
	if stdio == nil {
		return
	}
	r := stdio.Stderr()
	if r == nil {
		return
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if c.currentSession() != session {
			return
		}
		c.logger.Info("stderr output",
			zap.String("server", c.name),
			zap.String("message", line))
	}
}
