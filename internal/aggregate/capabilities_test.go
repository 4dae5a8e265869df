package aggregate

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/onemcp/onemcp-go/internal/storage"
)

func newTestAggregator(t *testing.T) *Capabilities {
	t.Helper()
	return NewCapabilities(zaptest.NewLogger(t), nil)
}

func newPersistentAggregator(t *testing.T) (*Capabilities, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewCapabilities(zaptest.NewLogger(t), store), store
}

func toolSnap(server string, tools ...mcp.Tool) *ServerSnapshot {
	return &ServerSnapshot{Server: server, Tools: tools}
}

func TestCapabilities_SetServerPopulatesView(t *testing.T) {
	agg := newTestAggregator(t)

	changes := agg.SetServer(&ServerSnapshot{
		Server:       "files",
		Tools:        []mcp.Tool{{Name: "read_file"}, {Name: "write_file"}},
		Resources:    []mcp.Resource{{URI: "file:///etc/motd", Name: "motd"}},
		Prompts:      []mcp.Prompt{{Name: "summarize"}},
		Logging:      true,
		Experimental: map[string]any{"streaming": true},
	})

	assert.Equal(t, []string{"read_file", "write_file"}, changes.Tools.Added)
	assert.Equal(t, []string{"file:///etc/motd"}, changes.Resources.Added)
	assert.Equal(t, []string{"summarize"}, changes.Prompts.Added)
	assert.Equal(t, []string{"files"}, changes.Logging.Added)
	assert.Equal(t, []string{"streaming"}, changes.Experimental.Added)
	assert.ElementsMatch(t,
		[]string{KindTools, KindResources, KindPrompts, KindExperimental, KindLogging},
		changes.Kinds())

	entry, ok := agg.Tool("read_file")
	require.True(t, ok)
	assert.Equal(t, "files", entry.Server)

	resource, ok := agg.Resource("file:///etc/motd")
	require.True(t, ok)
	assert.Equal(t, "motd", resource.Resource.Name)

	prompt, ok := agg.Prompt("summarize")
	require.True(t, ok)
	assert.Equal(t, "files", prompt.Server)

	assert.Equal(t, []string{"files"}, agg.LoggingServers())
	assert.Equal(t, []string{"files"}, agg.Servers())
}

func TestCapabilities_LastSeenWinsIsDeterministic(t *testing.T) {
	first := mcp.Tool{Name: "search", Description: "search provided by alpha"}
	second := mcp.Tool{Name: "search", Description: "search provided by beta"}

	// Insertion order must not matter: the merge iterates servers in
	// name-sorted order, so beta wins either way.
	for name, order := range map[string][]*ServerSnapshot{
		"alpha first": {toolSnap("alpha", first), toolSnap("beta", second)},
		"beta first":  {toolSnap("beta", second), toolSnap("alpha", first)},
	} {
		t.Run(name, func(t *testing.T) {
			agg := newTestAggregator(t)
			for _, snap := range order {
				agg.SetServer(snap)
			}

			winner, ok := agg.Tool("search")
			require.True(t, ok)
			assert.Equal(t, "beta", winner.Server)
			assert.Equal(t, "search provided by beta", winner.Tool.Description)

			conflicts := agg.Conflicts()
			require.Len(t, conflicts, 1)
			assert.Equal(t, KindTools, conflicts[0].Kind)
			assert.Equal(t, "search", conflicts[0].Key)
			assert.Equal(t, []string{"alpha", "beta"}, conflicts[0].Servers)
		})
	}
}

func TestCapabilities_IdenticalPayloadIsNotAConflict(t *testing.T) {
	agg := newTestAggregator(t)
	tool := mcp.Tool{Name: "search", Description: "shared search"}

	agg.SetServer(toolSnap("alpha", tool))
	changes := agg.SetServer(toolSnap("beta", tool))

	assert.Empty(t, agg.Conflicts())

	// The key moved from alpha to beta, which routing must observe even
	// though the payload is identical.
	assert.Equal(t, []string{"search"}, changes.Tools.Modified)
	winner, _ := agg.Tool("search")
	assert.Equal(t, "beta", winner.Server)
}

func TestCapabilities_ChangeSetTracksLifecycle(t *testing.T) {
	agg := newTestAggregator(t)

	agg.SetServer(toolSnap("files",
		mcp.Tool{Name: "read_file", Description: "v1"},
		mcp.Tool{Name: "write_file"}))

	changes := agg.SetServer(toolSnap("files",
		mcp.Tool{Name: "read_file", Description: "v2"}))
	assert.Equal(t, []string{"read_file"}, changes.Tools.Modified)
	assert.Equal(t, []string{"write_file"}, changes.Tools.Removed)
	assert.Empty(t, changes.Tools.Added)

	changes = agg.RemoveServer("files")
	assert.Equal(t, []string{"read_file"}, changes.Tools.Removed)
	assert.Empty(t, agg.Tools())
	assert.Empty(t, agg.Servers())
}

func TestCapabilities_UnchangedSnapshotIsANoop(t *testing.T) {
	agg := newTestAggregator(t)
	agg.SetServer(toolSnap("files", mcp.Tool{Name: "read_file"}))
	before := agg.View().Revision

	changes := agg.SetServer(toolSnap("files", mcp.Tool{Name: "read_file"}))
	assert.True(t, changes.Empty())
	assert.Empty(t, changes.Kinds())
	assert.Equal(t, before, agg.View().Revision)
}

func TestCapabilities_RemoveUnknownServerIsANoop(t *testing.T) {
	agg := newTestAggregator(t)
	changes := agg.RemoveServer("ghost")
	assert.True(t, changes.Empty())
}

func TestCapabilities_ViewIsImmutable(t *testing.T) {
	agg := newTestAggregator(t)
	agg.SetServer(toolSnap("alpha", mcp.Tool{Name: "one"}))

	held := agg.View()
	agg.SetServer(toolSnap("beta", mcp.Tool{Name: "two"}))

	assert.Len(t, held.Tools, 1)
	assert.Len(t, agg.View().Tools, 2)
	assert.Greater(t, agg.View().Revision, held.Revision)
}

func TestCapabilities_SortedAccessors(t *testing.T) {
	agg := newTestAggregator(t)
	agg.SetServer(&ServerSnapshot{
		Server: "zeta",
		Tools:  []mcp.Tool{{Name: "zip"}},
		Resources: []mcp.Resource{
			{URI: "res://b"},
			{URI: "res://a"},
		},
		Prompts: []mcp.Prompt{{Name: "outline"}},
	})
	agg.SetServer(toolSnap("alpha", mcp.Tool{Name: "add"}))

	tools := agg.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "add", tools[0].Tool.Name)
	assert.Equal(t, "zip", tools[1].Tool.Name)

	resources := agg.Resources()
	require.Len(t, resources, 2)
	assert.Equal(t, "res://a", resources[0].Resource.URI)

	prompts := agg.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "zeta", prompts[0].Server)
}

func TestCapabilities_ExperimentalConflicts(t *testing.T) {
	agg := newTestAggregator(t)
	agg.SetServer(&ServerSnapshot{
		Server:       "alpha",
		Experimental: map[string]any{"batch": map[string]any{"max": 5.0}},
	})
	agg.SetServer(&ServerSnapshot{
		Server:       "beta",
		Experimental: map[string]any{"batch": map[string]any{"max": 10.0}},
	})

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, KindExperimental, conflicts[0].Kind)
	assert.Equal(t, "batch", conflicts[0].Key)

	entry := agg.View().Experimental["batch"]
	assert.Equal(t, "beta", entry.Server)
}

func TestCapabilities_PersistsSnapshotsAcrossRemoval(t *testing.T) {
	agg, _ := newPersistentAggregator(t)

	agg.SetServer(toolSnap("files", mcp.Tool{Name: "read_file"}))

	stored, err := agg.StoredSnapshot("files")
	require.NoError(t, err)
	require.Len(t, stored.Tools, 1)
	assert.Equal(t, "read_file", stored.Tools[0].Name)

	// Disconnect keeps the persisted snapshot for drift detection.
	agg.RemoveServer("files")
	stored, err = agg.StoredSnapshot("files")
	require.NoError(t, err)
	assert.Len(t, stored.Tools, 1)

	// Removal from the configuration forgets it entirely.
	agg.Forget("files")
	_, err = agg.StoredSnapshot("files")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCapabilities_SnapshotSurvivesRestart(t *testing.T) {
	agg, store := newPersistentAggregator(t)
	agg.SetServer(toolSnap("files", mcp.Tool{Name: "read_file", Description: "v1"}))

	// A fresh aggregator over the same store is what a process restart
	// produces: the live view starts empty, the stored snapshot remains.
	restarted := NewCapabilities(zaptest.NewLogger(t), store)
	assert.Empty(t, restarted.Servers())

	stored, err := restarted.StoredSnapshot("files")
	require.NoError(t, err)
	assert.Equal(t, "v1", stored.Tools[0].Description)

	changes := restarted.SetServer(toolSnap("files", mcp.Tool{Name: "read_file", Description: "v2"}))
	assert.Equal(t, []string{"read_file"}, changes.Tools.Added)

	stored, err = restarted.StoredSnapshot("files")
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.Tools[0].Description)
}

func TestChangeSet_Kinds(t *testing.T) {
	changes := &ChangeSet{
		Tools:   Delta{Added: []string{"a"}},
		Prompts: Delta{Removed: []string{"p"}},
	}
	assert.Equal(t, []string{KindTools, KindPrompts}, changes.Kinds())
	assert.False(t, changes.Empty())

	assert.Empty(t, (&ChangeSet{}).Kinds())
	assert.True(t, (&ChangeSet{}).Empty())
}
