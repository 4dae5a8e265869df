package oauth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTokenStore(t *testing.T) *FileTokenStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "github.json")
	return NewFileTokenStore(path, zap.NewNop())
}

func TestFileTokenStore_RoundTrip(t *testing.T) {
	store := newTestTokenStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	err := store.SaveToken(ctx, &client.Token{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		TokenType:    "Bearer",
		Scope:        "mcp.read mcp.write",
		ExpiresAt:    expires,
	})
	require.NoError(t, err)

	got, err := store.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-123", got.AccessToken)
	assert.Equal(t, "refresh-456", got.RefreshToken)
	assert.Equal(t, "Bearer", got.TokenType)
	assert.Equal(t, "mcp.read mcp.write", got.Scope)
	assert.Equal(t, expires.UnixMilli(), got.ExpiresAt.UnixMilli())
}

func TestFileTokenStore_MissingFile(t *testing.T) {
	store := newTestTokenStore(t)

	_, err := store.GetToken(context.Background())
	assert.ErrorIs(t, err, transport.ErrNoToken)
}

func TestFileTokenStore_CorruptFile(t *testing.T) {
	store := newTestTokenStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	_, err := store.GetToken(context.Background())
	assert.ErrorIs(t, err, transport.ErrNoToken)
}

func TestFileTokenStore_EmptyAccessToken(t *testing.T) {
	store := newTestTokenStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"tokenType":"Bearer"}`), 0o600))

	_, err := store.GetToken(context.Background())
	assert.ErrorIs(t, err, transport.ErrNoToken)
}

func TestFileTokenStore_ExpiryFromJWT(t *testing.T) {
	store := newTestTokenStore(t)
	ctx := context.Background()

	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	claims := jwt.MapClaims{"exp": float64(exp.Unix()), "sub": "dev"}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	err = store.SaveToken(ctx, &client.Token{AccessToken: signed, TokenType: "Bearer"})
	require.NoError(t, err)

	got, err := store.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, exp.UnixMilli(), got.ExpiresAt.UnixMilli())
}

func TestFileTokenStore_OpaqueTokenHasNoExpiry(t *testing.T) {
	store := newTestTokenStore(t)
	ctx := context.Background()

	err := store.SaveToken(ctx, &client.Token{AccessToken: "opaque-token"})
	require.NoError(t, err)

	got, err := store.GetToken(ctx)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestFileTokenStore_SaveReplacesPrevious(t *testing.T) {
	store := newTestTokenStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, &client.Token{AccessToken: "old"}))
	require.NoError(t, store.SaveToken(ctx, &client.Token{AccessToken: "new", RefreshToken: "r2"}))

	got, err := store.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, "r2", got.RefreshToken)
}

func TestFileTokenStore_ClearToken(t *testing.T) {
	store := newTestTokenStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, &client.Token{AccessToken: "access"}))
	require.NoError(t, store.ClearToken())

	_, err := store.GetToken(ctx)
	assert.ErrorIs(t, err, transport.ErrNoToken)

	assert.NoError(t, store.ClearToken(), "clearing an absent token is not an error")
}

func TestFileTokenStore_NilContext(t *testing.T) {
	store := newTestTokenStore(t)

	require.NoError(t, store.SaveToken(nil, &client.Token{AccessToken: "access"})) //nolint:staticcheck

	got, err := store.GetToken(nil) //nolint:staticcheck
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)
}

func TestExpiryFromJWT_Malformed(t *testing.T) {
	assert.True(t, expiryFromJWT("not-a-jwt").IsZero())
	assert.True(t, expiryFromJWT("").IsZero())
}
