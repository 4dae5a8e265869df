package configimport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

func TestDetectFormat_ClaudeJSON(t *testing.T) {
	content := []byte(`{
		// local helper
		"mcpServers": {
			"notes": {"command": "notes-mcp"},
		},
	}`)

	format, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatClaude, format)
}

func TestDetectFormat_CodexTOML(t *testing.T) {
	content := []byte("[mcp_servers.notes]\ncommand = \"notes-mcp\"\n")

	format, err := DetectFormat(content)
	require.NoError(t, err)
	assert.Equal(t, FormatCodex, format)
}

func TestDetectFormat_Unrecognized(t *testing.T) {
	cases := map[string]string{
		"json without servers": `{"servers": {}}`,
		"toml without servers": "title = \"nope\"\n",
		"not a document":       "][ definitely not structured",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DetectFormat([]byte(content))
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindParse))
		})
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{
		"":       FormatAuto,
		"auto":   FormatAuto,
		"claude": FormatClaude,
		"codex":  FormatCodex,
	} {
		got, err := ParseFormat(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("gemini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown import format")
}
