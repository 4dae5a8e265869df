package upstream

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/testutil"
	"github.com/onemcp/onemcp-go/internal/transport"
)

func newTestFactory(t *testing.T) *transport.Factory {
	t.Helper()
	return transport.NewFactory(zaptest.NewLogger(t), transport.Options{
		Version:        "test",
		ListenAddr:     "127.0.0.1:3050",
		ConfigPath:     "/data/1mcp/mcp.json",
		SelfExecutable: "/usr/local/bin/onemcp",
	})
}

// newTestClient builds a client for cfg with fast timeouts. tweak may
// adjust the ClientConfig before construction.
func newTestClient(t *testing.T, cfg *config.ServerConfig, tweak func(*ClientConfig)) *Client {
	t.Helper()

	factory := newTestFactory(t)
	spec, err := factory.Build("it", cfg)
	require.NoError(t, err)

	cc := ClientConfig{
		Spec:        spec,
		Factory:     factory,
		Logger:      zaptest.NewLogger(t),
		SelfName:    "onemcp",
		SelfVersion: "test",
		MaxAttempts: 1,
		RetryDelay:  5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cc)
	}

	cl := NewClient(cc)
	t.Cleanup(cl.Close)
	return cl
}

func httpServerConfig(url string) *config.ServerConfig {
	return &config.ServerConfig{
		Kind:              config.KindHTTP,
		URL:               url,
		ConnectionTimeout: config.Millis(5000),
		RequestTimeout:    config.Millis(5000),
	}
}

func TestClient_ConnectAndProxy(t *testing.T) {
	up := testutil.StartUpstream(t,
		testutil.WithName("everything"),
		testutil.WithVersion("3.2.1"),
		testutil.WithInstructions("prefer the echo tool"),
		testutil.WithEchoTool("echo"),
		testutil.WithStaticResource("test://data", "Test Data", "hello"),
		testutil.WithPrompt("greet", "Hello there!"),
	)

	cl := newTestClient(t, httpServerConfig(up.URL), nil)
	require.NoError(t, cl.Connect(context.Background()))

	info := cl.Info()
	assert.Equal(t, StateConnected, info.State)
	assert.Equal(t, "everything", info.ServerName)
	assert.Equal(t, "3.2.1", info.ServerVersion)
	assert.NotEmpty(t, info.ProtocolVersion)
	assert.Equal(t, "prefer the echo tool", cl.Instructions())

	ctx := context.Background()

	tools, err := cl.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	res, err := cl.CallTool(ctx, "echo", map[string]any{"input": "ping"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "ping", text.Text)

	resources, err := cl.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "test://data", resources[0].URI)

	contents, err := cl.ReadResource(ctx, "test://data")
	require.NoError(t, err)
	require.Len(t, contents.Contents, 1)

	prompts, err := cl.ListPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "greet", prompts[0].Name)

	prompt, err := cl.GetPrompt(ctx, "greet", nil)
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)

	assert.NoError(t, cl.Ping(ctx))
}

func TestClient_ConnectOverSSE(t *testing.T) {
	up := testutil.StartUpstream(t,
		testutil.WithSSE(),
		testutil.WithEchoTool("echo"),
	)

	cfg := &config.ServerConfig{
		Kind:              config.KindSSE,
		URL:               up.URL,
		ConnectionTimeout: config.Millis(5000),
		RequestTimeout:    config.Millis(5000),
	}

	cl := newTestClient(t, cfg, nil)
	require.NoError(t, cl.Connect(context.Background()))
	assert.Equal(t, StateConnected, cl.State())

	res, err := cl.CallTool(context.Background(), "echo", map[string]any{"input": "over sse"})
	require.NoError(t, err)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "over sse", text.Text)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	up := testutil.StartUpstream(t,
		testutil.WithEchoTool("echo"),
		testutil.WithMiddleware(testutil.FailFirst(1)),
	)

	cl := newTestClient(t, httpServerConfig(up.URL), func(cc *ClientConfig) {
		cc.MaxAttempts = 3
	})

	require.NoError(t, cl.Connect(context.Background()))
	assert.Equal(t, StateConnected, cl.State())
	assert.Zero(t, cl.Info().RetryCount)
}

func TestClient_FailsAfterMaxAttempts(t *testing.T) {
	// Nothing listens on port 1.
	cl := newTestClient(t, httpServerConfig("http://127.0.0.1:1/mcp"), func(cc *ClientConfig) {
		cc.MaxAttempts = 2
	})

	err := cl.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindClientConnection))

	info := cl.Info()
	assert.Equal(t, StateError, info.State)
	assert.Equal(t, 2, info.RetryCount)
}

func TestClient_CircularIdentityAborts(t *testing.T) {
	up := testutil.StartUpstream(t, testutil.WithName("onemcp"))

	cl := newTestClient(t, httpServerConfig(up.URL), func(cc *ClientConfig) {
		cc.MaxAttempts = 3
	})

	err := cl.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindClientConnection))
	assert.ErrorIs(t, err, errCircular)

	// One failed attempt, no retries.
	info := cl.Info()
	assert.Equal(t, StateError, info.State)
	assert.Equal(t, 1, info.RetryCount)
}

func TestClient_ConnectTimeout(t *testing.T) {
	up := testutil.StartUpstream(t, testutil.WithMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			next.ServeHTTP(w, r)
		})
	}))

	cfg := httpServerConfig(up.URL)
	cfg.ConnectionTimeout = config.Millis(50)

	cl := newTestClient(t, cfg, nil)

	err := cl.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConnectionTimeout))
	assert.Equal(t, StateError, cl.State())
}

func TestClient_DisconnectThenReconnect(t *testing.T) {
	up := testutil.StartUpstream(t, testutil.WithEchoTool("echo"))

	cl := newTestClient(t, httpServerConfig(up.URL), nil)
	require.NoError(t, cl.Connect(context.Background()))

	cl.Disconnect()
	assert.Equal(t, StateDisconnected, cl.State())

	_, err := cl.ListTools(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindClientConnection))

	require.NoError(t, cl.Connect(context.Background()))
	assert.Equal(t, StateConnected, cl.State())
}

func TestClient_CapabilityGating(t *testing.T) {
	// Tools only: resource and prompt calls must be rejected locally.
	up := testutil.StartUpstream(t, testutil.WithEchoTool("echo"))

	cl := newTestClient(t, httpServerConfig(up.URL), nil)
	require.NoError(t, cl.Connect(context.Background()))

	_, err := cl.ListResources(context.Background())
	assert.True(t, apperr.IsKind(err, apperr.KindCapability))

	_, err = cl.GetPrompt(context.Background(), "greet", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindCapability))

	err = cl.SetLevel(context.Background(), mcp.LoggingLevelWarning)
	assert.True(t, apperr.IsKind(err, apperr.KindCapability))
}

func TestClient_NotificationsForwarded(t *testing.T) {
	up := testutil.StartUpstream(t,
		testutil.WithSSE(),
		testutil.WithEchoTool("echo"),
	)

	var methods atomic.Value
	methods.Store("")

	cl := newTestClient(t, &config.ServerConfig{
		Kind:              config.KindSSE,
		URL:               up.URL,
		ConnectionTimeout: config.Millis(5000),
		RequestTimeout:    config.Millis(5000),
	}, func(cc *ClientConfig) {
		cc.OnNotification = func(n mcp.JSONRPCNotification) {
			methods.Store(n.Method)
		}
	})

	require.NoError(t, cl.Connect(context.Background()))

	up.MCP.SendNotificationToAllClients(string(mcp.MethodNotificationToolsListChanged), nil)

	require.Eventually(t, func() bool {
		return methods.Load() == string(mcp.MethodNotificationToolsListChanged)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClient_StaleConnectionLossIgnored(t *testing.T) {
	up := testutil.StartUpstream(t, testutil.WithEchoTool("echo"))

	cl := newTestClient(t, httpServerConfig(up.URL), nil)
	require.NoError(t, cl.Connect(context.Background()))

	session := cl.currentSession()

	// A loss report from a previous session must not touch the record.
	cl.handleConnectionLost(session-1, errors.New("stale"))
	assert.Equal(t, StateConnected, cl.State())

	cl.handleConnectionLost(session, errors.New("gone"))
	assert.Equal(t, StateDisconnected, cl.State())
	assert.EqualError(t, cl.Info().LastError, "gone")
}

// stubAuthorizer satisfies oauth.Authorizer without talking to an issuer.
type stubAuthorizer struct {
	authURL   string
	beginErr  error
	finishErr error

	began    atomic.Int64
	finished atomic.Int64
}

// ClientConfig hands out a store preloaded with a valid token so that
// OAuth-enabled transports can dial without a live issuer.
func (s *stubAuthorizer) ClientConfig() client.OAuthConfig {
	store := client.NewMemoryTokenStore()
	_ = store.SaveToken(context.Background(), &client.Token{
		AccessToken: "test-token",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	return client.OAuthConfig{TokenStore: store}
}

func (s *stubAuthorizer) BeginAuthorization(context.Context, error) (string, error) {
	s.began.Add(1)
	if s.beginErr != nil {
		return "", s.beginErr
	}
	return s.authURL, nil
}

func (s *stubAuthorizer) AuthorizationURL() string { return s.authURL }

func (s *stubAuthorizer) FinishAuth(context.Context, string) error {
	s.finished.Add(1)
	return s.finishErr
}

func (s *stubAuthorizer) ClearTokens() error { return nil }

func TestClient_AuthorizationRequiredMovesToAwaitingOAuth(t *testing.T) {
	stub := &stubAuthorizer{authURL: "https://auth.example.com/authorize?state=xyz"}

	cl := newTestClient(t, httpServerConfig("http://127.0.0.1:1/mcp"), nil)
	cl.spec.OAuthProvider = stub

	err := cl.classifyDialError(context.Background(), &mcptransport.OAuthAuthorizationRequiredError{})
	require.Error(t, err)

	var perm *backoff.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.True(t, apperr.IsKind(err, apperr.KindOAuthRequired))
	assert.Equal(t, stub.authURL, apperr.AuthURLOf(err))

	info := cl.Info()
	assert.Equal(t, StateAwaitingOAuth, info.State)
	assert.Equal(t, stub.authURL, info.AuthorizationURL)
	assert.Equal(t, int64(1), stub.began.Load())
}

func TestClient_AuthorizationRequiredWithoutProviderStaysRetryable(t *testing.T) {
	cl := newTestClient(t, httpServerConfig("http://127.0.0.1:1/mcp"), nil)

	cause := &mcptransport.OAuthAuthorizationRequiredError{}
	err := cl.classifyDialError(context.Background(), cause)
	require.Error(t, err)

	var perm *backoff.PermanentError
	assert.False(t, errors.As(err, &perm))
	assert.NotEqual(t, StateAwaitingOAuth, cl.State())
}

func TestClient_CompleteOAuthRequiresNetworkTransport(t *testing.T) {
	cl := newTestClient(t, &config.ServerConfig{
		Kind:    config.KindStdio,
		Command: "/bin/not-a-real-server",
	}, nil)

	err := cl.CompleteOAuth(context.Background(), "code123")
	assert.True(t, apperr.IsKind(err, apperr.KindCapability))
}

func TestClient_CompleteOAuthRequiresProvider(t *testing.T) {
	cl := newTestClient(t, httpServerConfig("http://127.0.0.1:1/mcp"), nil)

	err := cl.CompleteOAuth(context.Background(), "code123")
	assert.True(t, apperr.IsKind(err, apperr.KindCapability))
}

func TestClient_CompleteOAuthFailurePreservesRecord(t *testing.T) {
	stub := &stubAuthorizer{authURL: "https://auth.example.com/authorize"}

	// Reconnect target is unreachable, so the dial must fail after the
	// token exchange.
	cl := newTestClient(t, httpServerConfig("http://127.0.0.1:1/mcp"), nil)
	cl.spec.OAuthProvider = stub

	cl.state.transition(StateConnecting)
	cl.state.awaitOAuth(stub.authURL)

	err := cl.CompleteOAuth(context.Background(), "code123")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindClientConnection))
	assert.Equal(t, int64(1), stub.finished.Load())

	info := cl.Info()
	assert.Equal(t, StateAwaitingOAuth, info.State)
	assert.Equal(t, stub.authURL, info.AuthorizationURL)
}

func TestClient_CompleteOAuthReconnectsAndPreservesInstructions(t *testing.T) {
	up := testutil.StartUpstream(t, testutil.WithEchoTool("echo"))

	stub := &stubAuthorizer{authURL: "https://auth.example.com/authorize"}

	cl := newTestClient(t, httpServerConfig(up.URL), nil)
	cl.spec.OAuthProvider = stub

	// Instructions discovered before the token expired must survive a
	// re-authorized session that reports none.
	cl.state.setInstructions("cached guidance", false)
	cl.state.transition(StateConnecting)
	cl.state.awaitOAuth(stub.authURL)

	require.NoError(t, cl.CompleteOAuth(context.Background(), "code123"))

	info := cl.Info()
	assert.Equal(t, StateConnected, info.State)
	assert.Empty(t, info.AuthorizationURL)
	assert.Equal(t, "cached guidance", cl.Instructions())

	tools, err := cl.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestClient_TagsAreCopied(t *testing.T) {
	cl := newTestClient(t, &config.ServerConfig{
		Kind:    config.KindHTTP,
		URL:     "http://127.0.0.1:1/mcp",
		Tags:    []string{"dev", "search"},
		Headers: map[string]string{},
	}, nil)

	tags := cl.Tags()
	require.Equal(t, []string{"dev", "search"}, tags)

	tags[0] = "mutated"
	assert.Equal(t, []string{"dev", "search"}, cl.Tags())

	cl.SetTags([]string{"prod"})
	assert.Equal(t, []string{"prod"}, cl.Tags())
}
