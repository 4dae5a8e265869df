package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestWriteFileAtomic_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	require.NoError(t, WriteFileAtomic(path, []byte("new"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriteFileAtomic_NoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("data"), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}

func TestWriteFileAtomic_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("data"), 0o600))

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")

	require.NoError(t, WriteJSONAtomic(path, map[string]int{"count": 3}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, string(data))
}

func TestLayout_Paths(t *testing.T) {
	layout := NewLayout("/data/1mcp")

	assert.Equal(t, "/data/1mcp", layout.DataDir())
	assert.Equal(t, filepath.Join("/data/1mcp", "state.db"), layout.StateDBPath())
	assert.Equal(t, filepath.Join("/data/1mcp", "presets.json"), layout.PresetsPath())
	assert.Equal(t, filepath.Join("/data/1mcp", "sessions"), layout.SessionsDir())
	assert.Equal(t, filepath.Join("/data/1mcp", "sessions", "session-abc.json"), layout.SessionPath("session", "abc"))
	assert.Equal(t, filepath.Join("/data/1mcp", "clientSessions"), layout.ClientSessionsDir())
	assert.Equal(t, filepath.Join("/data/1mcp", "clientSessions", "github.json"), layout.ClientSessionPath("github"))
}

func TestLayout_Ensure(t *testing.T) {
	layout := NewLayout(filepath.Join(t.TempDir(), "data"))

	require.NoError(t, layout.Ensure())

	for _, dir := range []string{layout.DataDir(), layout.SessionsDir(), layout.ClientSessionsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	// Idempotent.
	assert.NoError(t, layout.Ensure())
}

func TestSafeFileName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"github", "github"},
		{"my-server.v2", "my-server.v2"},
		{"a/b", "a_b"},
		{`a\b:c`, "a_b_c"},
		{"srv name", "srv_name"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SafeFileName(tc.in), "input %q", tc.in)
	}
}

func TestLayout_ClientSessionPathSanitizesName(t *testing.T) {
	layout := NewLayout("/data/1mcp")
	assert.Equal(t,
		filepath.Join("/data/1mcp", "clientSessions", "a_b.json"),
		layout.ClientSessionPath("a/b"))
}
