package oauth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/config"
)

func TestProvider_ClientConfigDefaults(t *testing.T) {
	store := client.NewMemoryTokenStore()
	p := NewProvider("github", &config.OAuthConfig{}, store, "http://127.0.0.1:3050/oauth/callback", nil, zap.NewNop())

	cfg := p.ClientConfig()
	assert.Empty(t, cfg.ClientID)
	assert.Equal(t, "http://127.0.0.1:3050/oauth/callback", cfg.RedirectURI)
	assert.Equal(t, DefaultScopes, cfg.Scopes)
	assert.True(t, cfg.PKCEEnabled)
	assert.Same(t, store, cfg.TokenStore)
}

func TestProvider_ClientConfigCustom(t *testing.T) {
	p := NewProvider("github", &config.OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Scopes:       []string{"repo"},
	}, client.NewMemoryTokenStore(), "http://127.0.0.1:3050/oauth/callback", nil, zap.NewNop())

	cfg := p.ClientConfig()
	assert.Equal(t, "cid", cfg.ClientID)
	assert.Equal(t, "csecret", cfg.ClientSecret)
	assert.Equal(t, []string{"repo"}, cfg.Scopes)
	assert.True(t, cfg.PKCEEnabled)
}

func TestProvider_RedirectURLOverride(t *testing.T) {
	p := NewProvider("github", &config.OAuthConfig{
		RedirectURL: "https://example.com/custom/callback",
	}, client.NewMemoryTokenStore(), "http://127.0.0.1:3050/oauth/callback", nil, zap.NewNop())

	assert.Equal(t, "https://example.com/custom/callback", p.ClientConfig().RedirectURI)
}

func TestProvider_NilConfig(t *testing.T) {
	p := NewProvider("github", nil, client.NewMemoryTokenStore(), "http://127.0.0.1:3050/oauth/callback", nil, zap.NewNop())

	cfg := p.ClientConfig()
	assert.Equal(t, DefaultScopes, cfg.Scopes)
	assert.Equal(t, "http://127.0.0.1:3050/oauth/callback", cfg.RedirectURI)
}

func TestProvider_FinishAuthWithoutFlow(t *testing.T) {
	p := NewProvider("github", nil, client.NewMemoryTokenStore(), "", nil, zap.NewNop())

	err := p.FinishAuth(context.Background(), "code-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no authorization flow in progress")
}

func TestProvider_BeginAuthorizationWithoutHandler(t *testing.T) {
	p := NewProvider("github", nil, client.NewMemoryTokenStore(), "", nil, zap.NewNop())

	_, err := p.BeginAuthorization(context.Background(), assert.AnError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no oauth handler")
}

func TestProvider_AuthorizationURLEmptyBeforeFlow(t *testing.T) {
	p := NewProvider("github", nil, client.NewMemoryTokenStore(), "", nil, zap.NewNop())
	assert.Empty(t, p.AuthorizationURL())
}

func TestProvider_ClearTokens(t *testing.T) {
	fileStore := NewFileTokenStore(filepath.Join(t.TempDir(), "github.json"), zap.NewNop())
	require.NoError(t, fileStore.SaveToken(context.Background(), &client.Token{AccessToken: "access"}))

	p := NewProvider("github", nil, fileStore, "", nil, zap.NewNop())
	require.NoError(t, p.ClearTokens())

	_, err := os.Stat(fileStore.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestProvider_ClearTokensMemoryStore(t *testing.T) {
	p := NewProvider("github", nil, client.NewMemoryTokenStore(), "", nil, zap.NewNop())
	assert.NoError(t, p.ClearTokens(), "stores without ClearToken are a no-op")
}
