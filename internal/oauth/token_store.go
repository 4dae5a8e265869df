package oauth

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/storage"
)

// tokenRecord is the on-disk shape of a stored OAuth token. Expiry is kept
// as epoch milliseconds so the file stays readable by other tooling.
type tokenRecord struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Expires      int64  `json:"expires,omitempty"`
}

// FileTokenStore persists one upstream's OAuth token as a JSON file so
// authorization survives proxy restarts. It implements client.TokenStore.
type FileTokenStore struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

var _ client.TokenStore = (*FileTokenStore)(nil)

// NewFileTokenStore creates a store backed by the file at path. The file is
// created on the first SaveToken call.
func NewFileTokenStore(path string, logger *zap.Logger) *FileTokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileTokenStore{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *FileTokenStore) Path() string {
	return s.path
}

// GetToken loads the persisted token. Missing, unreadable, or empty records
// report transport.ErrNoToken so the OAuth client starts a fresh flow.
func (s *FileTokenStore) GetToken(ctx context.Context) (*client.Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, transport.ErrNoToken
	}

	var record tokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn("stored token is not valid JSON, treating as absent",
			zap.String("path", s.path), zap.Error(err))
		return nil, transport.ErrNoToken
	}
	if record.AccessToken == "" {
		return nil, transport.ErrNoToken
	}

	token := &client.Token{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		Scope:        record.Scope,
	}
	if record.Expires > 0 {
		token.ExpiresAt = time.UnixMilli(record.Expires)
	}
	return token, nil
}

// SaveToken writes the token atomically. When the token carries no explicit
// expiry the access token's JWT exp claim is used, if present.
func (s *FileTokenStore) SaveToken(ctx context.Context, token *client.Token) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := tokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scope:        token.Scope,
	}

	expiresAt := token.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = expiryFromJWT(token.AccessToken)
	}
	if !expiresAt.IsZero() {
		record.Expires = expiresAt.UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := storage.WriteJSONAtomic(s.path, &record); err != nil {
		return err
	}
	s.logger.Debug("oauth token persisted",
		zap.String("path", s.path),
		zap.Time("expires_at", expiresAt))
	return nil
}

// ClearToken removes the persisted token. Clearing an absent token is not
// an error.
func (s *FileTokenStore) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// expiryFromJWT extracts the exp claim from a JWT access token without
// verifying its signature. Opaque tokens yield a zero time.
func expiryFromJWT(accessToken string) time.Time {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
