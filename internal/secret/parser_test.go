package secret

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticProvider serves canned values under the "static" type.
type staticProvider struct {
	values map[string]string
}

func (p *staticProvider) CanResolve(t string) bool { return t == "static" }
func (p *staticProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	v, ok := p.values[ref.Name]
	if !ok {
		return "", fmt.Errorf("unknown secret: %s", ref.Name)
	}
	return v, nil
}
func (p *staticProvider) Store(_ context.Context, ref Ref, value string) error {
	p.values[ref.Name] = value
	return nil
}
func (p *staticProvider) Delete(_ context.Context, ref Ref) error {
	delete(p.values, ref.Name)
	return nil
}
func (p *staticProvider) List(_ context.Context) ([]Ref, error) { return nil, nil }
func (p *staticProvider) IsAvailable() bool                     { return true }

func TestFindRefs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Ref
	}{
		{
			name:  "no refs",
			input: "plain value",
			want:  []Ref{},
		},
		{
			name:  "single env ref",
			input: "${env:GITHUB_TOKEN}",
			want:  []Ref{{Type: "env", Name: "GITHUB_TOKEN", Original: "${env:GITHUB_TOKEN}"}},
		},
		{
			name:  "embedded ref",
			input: "Bearer ${keyring:api-key}",
			want:  []Ref{{Type: "keyring", Name: "api-key", Original: "${keyring:api-key}"}},
		},
		{
			name:  "multiple refs",
			input: "${env:USER}:${keyring:pass}",
			want: []Ref{
				{Type: "env", Name: "USER", Original: "${env:USER}"},
				{Type: "keyring", Name: "pass", Original: "${keyring:pass}"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindRefs(tt.input))
		})
	}
}

func TestIsRefIgnoresPlainSubstitution(t *testing.T) {
	// ${NAME} without a type prefix is env substitution, not a secret ref.
	assert.False(t, IsRef("${HOME}"))
	assert.True(t, IsRef("${env:HOME}"))
}

func TestExpandRefs(t *testing.T) {
	r := &Resolver{providers: map[string]Provider{
		"static": &staticProvider{values: map[string]string{"token": "t0ps3cret", "user": "svc"}},
	}}

	out, err := r.ExpandRefs(context.Background(), "Authorization: Bearer ${static:token}")
	require.NoError(t, err)
	assert.Equal(t, "Authorization: Bearer t0ps3cret", out)

	out, err = r.ExpandRefs(context.Background(), "${static:user}:${static:token}")
	require.NoError(t, err)
	assert.Equal(t, "svc:t0ps3cret", out)

	_, err = r.ExpandRefs(context.Background(), "${static:missing}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "${static:missing}")

	_, err = r.ExpandRefs(context.Background(), "${vault:anything}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "****", Mask("abc"))
	assert.Equal(t, "ab****", Mask("abcdef"))
	assert.Equal(t, "abc****yz", Mask("abcdefghixyz"))
}
