package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDebounce = 50 * time.Millisecond

func newTestWatcher(t *testing.T, path string) *Watcher {
	t.Helper()
	w, err := NewWatcher(path, testDebounce, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func waitForChange(t *testing.T, w *Watcher) []byte {
	t.Helper()
	select {
	case data := <-w.Changes():
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config change")
		return nil
	}
}

func TestWatcher_EmitsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w := newTestWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0o644))

	data := waitForChange(t, w)
	assert.JSONEq(t, `{"mcpServers":{}}`, string(data))
}

func TestWatcher_CoalescesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w := newTestWatcher(t, path)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	data := waitForChange(t, w)
	assert.JSONEq(t, `{"mcpServers":{}}`, string(data))

	// Quiescent period: no further emissions for the burst above.
	select {
	case extra := <-w.Changes():
		t.Fatalf("unexpected second emission: %s", extra)
	case <-time.After(4 * testDebounce):
	}
}

func TestWatcher_SurvivesAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w := newTestWatcher(t, path)

	// Editor-style atomic save: write a sibling temp file, rename it over
	// the target.
	tmp := filepath.Join(dir, "mcp.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"mcpServers":{"a":{"command":"x"}}}`), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	data := waitForChange(t, w)
	assert.Contains(t, string(data), `"command"`)

	// The watch must survive for the next save too.
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0o644))
	data = waitForChange(t, w)
	assert.JSONEq(t, `{"mcpServers":{}}`, string(data))
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w := newTestWatcher(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "presets.json"), []byte(`{}`), 0o644))

	select {
	case data := <-w.Changes():
		t.Fatalf("unexpected emission for sibling file: %s", data)
	case <-time.After(4 * testDebounce):
	}
}

func TestWatcher_StopCancelsPendingTimer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w := newTestWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0o644))
	w.Stop()

	select {
	case data, ok := <-w.Changes():
		if ok {
			t.Fatalf("emission after Stop: %s", data)
		}
	case <-time.After(4 * testDebounce):
	}

	// Stop is idempotent.
	w.Stop()
}
