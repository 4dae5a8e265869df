package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
)

func TestCheckCircular_HTTPSelf(t *testing.T) {
	f := newTestFactory(t)

	tests := []struct {
		name     string
		url      string
		circular bool
	}{
		{"own address", "http://127.0.0.1:3050/mcp", true},
		{"localhost alias", "http://localhost:3050/mcp", true},
		{"trailing slash", "http://127.0.0.1:3050/mcp/", true},
		{"different path", "http://127.0.0.1:3050/healthz", false},
		{"different port", "http://127.0.0.1:3051/mcp", false},
		{"remote host", "https://api.example.com/mcp", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Build("loop", &config.ServerConfig{URL: tt.url})
			if tt.circular {
				require.Error(t, err)
				assert.Equal(t, apperr.KindClientConnection, apperr.KindOf(err))
				assert.Contains(t, err.Error(), "circular dependency")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckCircular_WildcardListen(t *testing.T) {
	f := NewFactory(nil, Options{
		Version:        "1.0.0",
		ListenAddr:     "0.0.0.0:3050",
		ConfigPath:     "/data/1mcp/mcp.json",
		SelfExecutable: "/usr/local/bin/onemcp",
	})

	_, err := f.Build("loop", &config.ServerConfig{URL: "http://localhost:3050/mcp"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindClientConnection, apperr.KindOf(err))

	// A remote host on the same port is not us.
	_, err = f.Build("api", &config.ServerConfig{URL: "http://api.example.com:3050/mcp"})
	assert.NoError(t, err)
}

func TestCheckCircular_StdioSelf(t *testing.T) {
	f := newTestFactory(t)

	_, err := f.Build("loop", &config.ServerConfig{
		Command: "/usr/local/bin/onemcp",
		Args:    []string{"serve", "--config", "/data/1mcp/mcp.json"},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindClientConnection, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestCheckCircular_StdioSelfDifferentConfig(t *testing.T) {
	f := newTestFactory(t)

	spec, err := f.Build("nested", &config.ServerConfig{
		Command: "/usr/local/bin/onemcp",
		Args:    []string{"serve", "--config", "/data/other/mcp.json"},
	})
	require.NoError(t, err)
	assert.Equal(t, config.KindStdio, spec.Kind)
}

func TestCheckCircular_StdioOtherBinary(t *testing.T) {
	f := newTestFactory(t)

	_, err := f.Build("git", &config.ServerConfig{
		Command: "/usr/local/bin/mcp-server-git",
		Args:    []string{"--config", "/data/1mcp/mcp.json"},
	})
	assert.NoError(t, err)
}
