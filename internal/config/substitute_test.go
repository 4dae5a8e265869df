package config

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/secret"
)

// withEnv swaps the environment lookup hook for the test's duration.
func withEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	old := lookupEnv
	lookupEnv = func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
	t.Cleanup(func() { lookupEnv = old })
}

// staticSecrets is a deterministic secret provider for tests.
type staticSecrets map[string]string

func (s staticSecrets) CanResolve(secretType string) bool { return secretType == "static" }
func (s staticSecrets) Resolve(_ context.Context, ref secret.Ref) (string, error) {
	v, ok := s[ref.Name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}
func (s staticSecrets) Store(context.Context, secret.Ref, string) error { return nil }

func (s staticSecrets) Delete(context.Context, secret.Ref) error { return nil }

func (s staticSecrets) List(context.Context) ([]secret.Ref, error) { return nil, nil }

func (s staticSecrets) IsAvailable() bool { return true }

func testResolver(secrets staticSecrets) *secret.Resolver {
	r := secret.NewResolver()
	r.RegisterProvider("static", secrets)
	return r
}

func TestSubstituteString_PlainEnv(t *testing.T) {
	withEnv(t, map[string]string{"TOKEN": "abc", "HOST": "example.com"})

	out, err := substituteString(context.Background(), "https://${HOST}/v1?t=${TOKEN}", "$", substituteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v1?t=abc", out)
}

func TestSubstituteString_MissingEnvBecomesEmpty(t *testing.T) {
	withEnv(t, nil)

	out, err := substituteString(context.Background(), "prefix-${MISSING}-suffix", "$", substituteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "prefix--suffix", out)
}

func TestSubstituteString_StrictMissingEnvFails(t *testing.T) {
	withEnv(t, nil)

	_, err := substituteString(context.Background(), "${MISSING}", "$.mcpServers.a.url", substituteOptions{strict: true})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "$.mcpServers.a.url")
	assert.Contains(t, err.Error(), "MISSING")
}

func TestSubstituteString_NoRecursion(t *testing.T) {
	withEnv(t, map[string]string{"OUTER": "${INNER}", "INNER": "should-not-appear"})

	out, err := substituteString(context.Background(), "${OUTER}", "$", substituteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "${INNER}", out)
}

func TestSubstituteString_SecretRef(t *testing.T) {
	resolver := testResolver(staticSecrets{"api-key": "s3cret"})

	out, err := substituteString(context.Background(), "Bearer ${static:api-key}", "$", substituteOptions{resolver: resolver})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", out)
}

func TestSubstituteString_UnresolvableSecretFails(t *testing.T) {
	resolver := testResolver(staticSecrets{})

	_, err := substituteString(context.Background(), "${static:missing}", "$.headers.Authorization", substituteOptions{resolver: resolver})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "$.headers.Authorization")
}

func TestSubstituteString_UnknownProviderFails(t *testing.T) {
	resolver := testResolver(staticSecrets{})

	_, err := substituteString(context.Background(), "${vault:thing}", "$", substituteOptions{resolver: resolver})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestSubstituteString_SecretRefWithoutResolverFails(t *testing.T) {
	_, err := substituteString(context.Background(), "${env:HOME}", "$", substituteOptions{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestSubstituteString_MalformedLeftLiteral(t *testing.T) {
	withEnv(t, map[string]string{"A": "x"})

	tests := []struct {
		in   string
		want string
	}{
		{"${}", "${}"},
		{"${1bad}", "${1bad}"},
		{"${has space}", "${has space}"},
		{"$A", "$A"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			out, err := substituteString(context.Background(), tt.in, "$", substituteOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSubstituteTree_WalksNestedValues(t *testing.T) {
	withEnv(t, map[string]string{"PORT": "8080"})

	tree := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"api": map[string]interface{}{
				"url":  "http://localhost:${PORT}/mcp",
				"args": []interface{}{"--port", "${PORT}"},
				"headers": map[string]interface{}{
					"X-Port": "${PORT}",
				},
				"disabled": false,
				"maxRestarts": float64(3),
			},
		},
	}

	out, err := substituteTree(context.Background(), tree, "$", substituteOptions{})
	require.NoError(t, err)

	root := out.(map[string]interface{})
	api := root["mcpServers"].(map[string]interface{})["api"].(map[string]interface{})
	assert.Equal(t, "http://localhost:8080/mcp", api["url"])
	assert.Equal(t, "8080", api["args"].([]interface{})[1])
	assert.Equal(t, "8080", api["headers"].(map[string]interface{})["X-Port"])
	assert.Equal(t, false, api["disabled"])
	assert.Equal(t, float64(3), api["maxRestarts"])
}

func TestSubstituteTree_ErrorNamesPath(t *testing.T) {
	withEnv(t, nil)

	tree := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"api": map[string]interface{}{
				"env": []interface{}{"TOKEN=${GONE}"},
			},
		},
	}

	_, err := substituteTree(context.Background(), tree, "$", substituteOptions{strict: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.mcpServers.api.env[0]")
}
