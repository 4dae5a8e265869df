// Package oauth implements authorization for protected upstreams: a
// per-server provider that produces authorization URLs and exchanges codes,
// a one-shot state registry routing callbacks back to their server, and a
// persistent token store under clientSessions/.
package oauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/config"
)

// DefaultRedirectPath is appended to the proxy's own base URL when a server
// config does not pin a redirect URL.
const DefaultRedirectPath = "/oauth/callback"

// DefaultScopes apply when a server config names none.
var DefaultScopes = []string{"mcp.read", "mcp.write"}

// clientName identifies this proxy during dynamic client registration.
const clientName = "onemcp"

// Authorizer is the narrow surface the connection manager depends on.
type Authorizer interface {
	// ClientConfig returns the mcp-go OAuth config used to construct
	// transports for this server.
	ClientConfig() client.OAuthConfig

	// BeginAuthorization inspects an authorization-required error,
	// registers the client when configured, and returns the URL the user
	// must visit.
	BeginAuthorization(ctx context.Context, cause error) (string, error)

	// AuthorizationURL returns the URL of the pending flow, or "".
	AuthorizationURL() string

	// FinishAuth exchanges an authorization code using the pending flow.
	FinishAuth(ctx context.Context, code string) error

	// ClearTokens drops persisted token material for this server.
	ClearTokens() error
}

// Provider binds one server's OAuth settings to a token store and the
// shared state registry.
type Provider struct {
	server   string
	cfg      config.OAuthConfig
	store    client.TokenStore
	redirect string
	states   *StateRegistry
	logger   *zap.Logger

	mu       sync.Mutex
	handler  *transport.OAuthHandler
	state    string
	verifier string
	authURL  string
}

var _ Authorizer = (*Provider)(nil)

// NewProvider creates a provider for server. redirectURL is the proxy's
// default callback; a RedirectURL in cfg overrides it.
func NewProvider(server string, cfg *config.OAuthConfig, store client.TokenStore, redirectURL string, states *StateRegistry, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		server:   server,
		store:    store,
		redirect: redirectURL,
		states:   states,
		logger:   logger,
	}
	if cfg != nil {
		p.cfg = *cfg
		if cfg.RedirectURL != "" {
			p.redirect = cfg.RedirectURL
		}
	}
	return p
}

// ClientConfig returns the mcp-go OAuth config for this server. PKCE is
// always enabled.
func (p *Provider) ClientConfig() client.OAuthConfig {
	scopes := p.cfg.Scopes
	if len(scopes) == 0 {
		scopes = append([]string(nil), DefaultScopes...)
	}
	return client.OAuthConfig{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURI:  p.redirect,
		Scopes:       scopes,
		TokenStore:   p.store,
		PKCEEnabled:  true,
	}
}

// BeginAuthorization starts the flow from an authorization-required error
// returned by a connect attempt. It performs dynamic client registration
// when AutoRegister is set and no client id is pinned, then records the
// handler, state and PKCE verifier for the later FinishAuth.
func (p *Provider) BeginAuthorization(ctx context.Context, cause error) (string, error) {
	handler := client.GetOAuthHandler(cause)
	if handler == nil {
		return "", fmt.Errorf("error carries no oauth handler for %s", p.server)
	}

	if p.cfg.AutoRegister && p.cfg.ClientID == "" {
		if err := handler.RegisterClient(ctx, clientName); err != nil {
			return "", fmt.Errorf("dynamic client registration failed for %s: %w", p.server, err)
		}
		p.logger.Info("dynamic client registration completed", zap.String("server", p.server))
	}

	verifier, err := client.GenerateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("code verifier generation failed: %w", err)
	}
	challenge := client.GenerateCodeChallenge(verifier)

	var state string
	if p.states != nil {
		state = p.states.Issue(p.server)
	} else {
		state, err = client.GenerateState()
		if err != nil {
			return "", fmt.Errorf("state generation failed: %w", err)
		}
	}

	authURL, err := handler.GetAuthorizationURL(ctx, state, challenge)
	if err != nil {
		return "", fmt.Errorf("authorization url generation failed for %s: %w", p.server, err)
	}

	p.mu.Lock()
	p.handler = handler
	p.state = state
	p.verifier = verifier
	p.authURL = authURL
	p.mu.Unlock()

	p.logger.Info("authorization required",
		zap.String("server", p.server),
		zap.String("authorization_url", authURL))
	return authURL, nil
}

// AuthorizationURL returns the URL recorded by the last BeginAuthorization.
func (p *Provider) AuthorizationURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authURL
}

// FinishAuth exchanges the authorization code for tokens. The resulting
// token lands in the persistent store, so a rebuilt client picks it up.
func (p *Provider) FinishAuth(ctx context.Context, code string) error {
	p.mu.Lock()
	handler, state, verifier := p.handler, p.state, p.verifier
	p.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("no authorization flow in progress for %s", p.server)
	}

	if err := handler.ProcessAuthorizationResponse(ctx, code, state, verifier); err != nil {
		return fmt.Errorf("token exchange failed for %s: %w", p.server, err)
	}

	p.mu.Lock()
	p.handler = nil
	p.state = ""
	p.verifier = ""
	p.mu.Unlock()

	p.logger.Info("authorization completed", zap.String("server", p.server))
	return nil
}

// ClearTokens removes persisted token material when the store supports it.
func (p *Provider) ClearTokens() error {
	if c, ok := p.store.(interface{ ClearToken() error }); ok {
		return c.ClearToken()
	}
	return nil
}
