package configimport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onemcp/onemcp-go/internal/config"
)

func TestParseCodex_StdioServer(t *testing.T) {
	content := []byte(`
[mcp_servers.notes]
command = "notes-mcp"
args = ["--root", "/srv/notes"]
cwd = "/srv"
env = { NOTES_MODE = "readonly" }
env_vars = ["HOME", "PATH"]
startup_timeout_ms = 2500
tool_timeout_sec = 45
`)

	servers, warnings, err := parseCodex(content)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	notes := servers["notes"]
	require.NotNil(t, notes)
	assert.Equal(t, "notes-mcp", notes.Command)
	assert.Equal(t, []string{"--root", "/srv/notes"}, notes.Args)
	assert.Equal(t, "/srv", notes.Cwd)
	assert.Equal(t, config.EnvMap{"NOTES_MODE": "readonly"}, notes.Env)
	assert.True(t, notes.InheritParentEnv)
	assert.Equal(t, []string{"HOME", "PATH"}, notes.EnvFilter)
	assert.Equal(t, 2500*time.Millisecond, notes.ConnectionTimeout.Duration())
	assert.Equal(t, 45*time.Second, notes.RequestTimeout.Duration())
}

func TestParseCodex_RemoteServerHeaders(t *testing.T) {
	content := []byte(`
[mcp_servers.wiki]
url = "https://wiki.example.com/mcp"
http_headers = { X-Team = "platform" }
env_http_headers = { X-Trace = "TRACE_ID" }
bearer_token_env_var = "WIKI_TOKEN"
`)

	servers, warnings, err := parseCodex(content)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	wiki := servers["wiki"]
	require.NotNil(t, wiki)
	assert.Equal(t, "https://wiki.example.com/mcp", wiki.URL)
	assert.Equal(t, "platform", wiki.Headers["X-Team"])
	assert.Equal(t, "${env:TRACE_ID}", wiki.Headers["X-Trace"])
	assert.Equal(t, "Bearer ${env:WIKI_TOKEN}", wiki.Headers["Authorization"])
}

func TestParseCodex_LiteralBearerTokenWarns(t *testing.T) {
	content := []byte(`
[mcp_servers.api]
url = "https://api.example.com/mcp"
bearer_token = "sk-plaintext"
`)

	servers, warnings, err := parseCodex(content)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "literal bearer_token")
	assert.Equal(t, "Bearer sk-plaintext", servers["api"].Headers["Authorization"])
}

func TestParseCodex_EnabledAndTimeoutPrecedence(t *testing.T) {
	content := []byte(`
[mcp_servers.off]
command = "off-mcp"
enabled = false
startup_timeout_sec = 5
startup_timeout_ms = 1200
`)

	servers, _, err := parseCodex(content)
	require.NoError(t, err)

	off := servers["off"]
	require.NotNil(t, off)
	assert.True(t, off.Disabled)
	assert.Equal(t, 1200*time.Millisecond, off.ConnectionTimeout.Duration())
}

func TestParseCodex_ToolFilteringWarns(t *testing.T) {
	content := []byte(`
[mcp_servers.picky]
command = "picky-mcp"
enabled_tools = ["search"]
disabled_tools = ["delete_everything"]
`)

	_, warnings, err := parseCodex(content)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "tool filtering")
}

func TestParseCodex_NoServers(t *testing.T) {
	_, _, err := parseCodex([]byte("title = \"config\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no [mcp_servers.*] tables")
}
