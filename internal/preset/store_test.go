package preset

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/session"
)

type changeLog struct {
	mu    sync.Mutex
	names []string
}

func (l *changeLog) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *changeLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func newTestStore(t *testing.T) (*Store, *changeLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	log := &changeLog{}
	st, err := NewStore(zaptest.NewLogger(t), Options{Path: path, OnChanged: log.record})
	require.NoError(t, err)
	return st, log, path
}

func webOnly() session.Selection {
	return session.Selection{Mode: session.FilterSimpleOr, Tags: []string{"web"}}
}

func mustExpr(t *testing.T, input string) *session.Expr {
	t.Helper()
	expr, err := session.ParseExpr(input)
	require.NoError(t, err)
	return expr
}

func TestNewStore_RequiresPath(t *testing.T) {
	_, err := NewStore(zaptest.NewLogger(t), Options{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestNewStore_MissingFileStartsEmpty(t *testing.T) {
	st, _, _ := newTestStore(t)
	assert.Zero(t, st.Len())
	assert.Empty(t, st.Names())

	_, ok := st.Selection("anything")
	assert.False(t, ok)
}

func TestNewStore_CorruptFileFailsConstruction(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{oops`), 0o600))

	_, err := NewStore(zaptest.NewLogger(t), Options{Path: path})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindParse))

	require.NoError(t, os.WriteFile(path, []byte(`["not", "an", "object"]`), 0o600))
	_, err = NewStore(zaptest.NewLogger(t), Options{Path: path})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindParse))
}

func TestStore_SetPersistsAndReloads(t *testing.T) {
	st, log, path := newTestStore(t)

	require.NoError(t, st.Set("web-only", webOnly()))
	require.NoError(t, st.Set("strict", session.Selection{
		Mode:       session.FilterAdvanced,
		Expression: mustExpr(t, "web AND NOT internal"),
	}))

	assert.Equal(t, []string{"strict", "web-only"}, st.Names())
	assert.Equal(t, []string{"web-only", "strict"}, log.all())

	reloaded, err := NewStore(zaptest.NewLogger(t), Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, []string{"strict", "web-only"}, reloaded.Names())

	sel, ok := reloaded.Selection("strict")
	require.True(t, ok)
	assert.Equal(t, session.FilterAdvanced, sel.Mode)
	require.NotNil(t, sel.Expression)
	assert.Equal(t, "web AND NOT internal", sel.Expression.String())
}

func TestStore_SetValidates(t *testing.T) {
	st, log, _ := newTestStore(t)

	cases := map[string]struct {
		name string
		sel  session.Selection
	}{
		"empty name": {
			name: "",
			sel:  webOnly(),
		},
		"simple-or without tags": {
			name: "p",
			sel:  session.Selection{Mode: session.FilterSimpleOr},
		},
		"simple-and without tags": {
			name: "p",
			sel:  session.Selection{Mode: session.FilterSimpleAnd},
		},
		"advanced without expression": {
			name: "p",
			sel:  session.Selection{Mode: session.FilterAdvanced},
		},
		"advanced with malformed expression": {
			name: "p",
			sel:  session.Selection{Mode: session.FilterAdvanced, Expression: &session.Expr{Op: session.OpAnd}},
		},
		"nested preset": {
			name: "p",
			sel:  session.Selection{Mode: session.FilterPreset},
		},
		"unknown mode": {
			name: "p",
			sel:  session.Selection{Mode: session.FilterMode("xor"), Tags: []string{"a"}},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := st.Set(tc.name, tc.sel)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		})
	}

	assert.Zero(t, st.Len())
	assert.Empty(t, log.all())
}

func TestStore_SetIdenticalSelectionIsQuiet(t *testing.T) {
	st, log, _ := newTestStore(t)

	require.NoError(t, st.Set("web-only", webOnly()))
	require.NoError(t, st.Set("web-only", webOnly()))
	assert.Equal(t, []string{"web-only"}, log.all())

	require.NoError(t, st.Set("web-only", session.Selection{
		Mode: session.FilterSimpleOr,
		Tags: []string{"web", "edge"},
	}))
	assert.Equal(t, []string{"web-only", "web-only"}, log.all())
}

func TestStore_SelectionReturnsACopy(t *testing.T) {
	st, _, _ := newTestStore(t)
	require.NoError(t, st.Set("web-only", webOnly()))
	require.NoError(t, st.Set("strict", session.Selection{
		Mode:       session.FilterAdvanced,
		Expression: mustExpr(t, "web AND NOT internal"),
	}))

	sel, ok := st.Selection("web-only")
	require.True(t, ok)
	sel.Tags[0] = "mutated"

	again, _ := st.Selection("web-only")
	assert.Equal(t, []string{"web"}, again.Tags)

	sel, ok = st.Selection("strict")
	require.True(t, ok)
	sel.Expression.Children[0].Tag = "mutated"

	again, _ = st.Selection("strict")
	assert.Equal(t, "web AND NOT internal", again.Expression.String())
}

func TestStore_DeleteRemovesPreset(t *testing.T) {
	st, log, path := newTestStore(t)
	require.NoError(t, st.Set("web-only", webOnly()))
	require.NoError(t, st.Set("db", session.Selection{Mode: session.FilterSimpleOr, Tags: []string{"db"}}))

	require.NoError(t, st.Delete("web-only"))
	assert.Equal(t, []string{"db"}, st.Names())
	_, ok := st.Selection("web-only")
	assert.False(t, ok)
	assert.Equal(t, []string{"web-only", "db", "web-only"}, log.all())

	reloaded, err := NewStore(zaptest.NewLogger(t), Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, reloaded.Names())

	err = st.Delete("missing")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestStore_FailedWriteLeavesTableUntouched(t *testing.T) {
	st, log, path := newTestStore(t)
	require.NoError(t, st.Set("web-only", webOnly()))

	// Occupy the temp path with a directory so the atomic write cannot
	// create its temp file.
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))

	err := st.Set("db", session.Selection{Mode: session.FilterSimpleOr, Tags: []string{"db"}})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindIO))
	assert.Equal(t, []string{"web-only"}, st.Names())
	assert.Equal(t, []string{"web-only"}, log.all(), "no event for a write that failed")
}

func TestStore_ReplaceFromBytesDiffsAndAnnounces(t *testing.T) {
	st, log, _ := newTestStore(t)
	require.NoError(t, st.Set("alpha", webOnly()))
	require.NoError(t, st.Set("beta", session.Selection{Mode: session.FilterSimpleOr, Tags: []string{"db"}}))
	require.NoError(t, st.Set("delta", session.Selection{Mode: session.FilterSimpleAnd, Tags: []string{"prod"}}))
	baseline := len(log.all())

	doc := `{
		"alpha": {"mode": "simple-or", "tags": ["web", "edge"]},
		"delta": {"mode": "simple-and", "tags": ["prod"]},
		"gamma": {"mode": "simple-or", "tags": ["staging"]}
	}`
	changed, err := st.ReplaceFromBytes([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, changed, "modified, removed and added names; identical delta stays quiet")
	assert.Equal(t, changed, log.all()[baseline:])
	assert.Equal(t, []string{"alpha", "delta", "gamma"}, st.Names())

	sel, ok := st.Selection("alpha")
	require.True(t, ok)
	assert.Equal(t, []string{"web", "edge"}, sel.Tags)
}

func TestStore_ReplaceFromBytesKeepsTableOnBadDoc(t *testing.T) {
	st, log, _ := newTestStore(t)
	require.NoError(t, st.Set("web-only", webOnly()))
	baseline := len(log.all())

	changed, err := st.ReplaceFromBytes([]byte(`{oops`))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindParse))
	assert.Nil(t, changed)
	assert.Equal(t, []string{"web-only"}, st.Names())
	assert.Empty(t, log.all()[baseline:])
}

func TestNewStore_SkipsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	doc := `{
		"good": {"mode": "simple-or", "tags": ["web"]},
		"nested": {"mode": "preset"},
		"mystery": {"mode": "xor", "tags": ["a"]},
		"shape": 42
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	st, err := NewStore(zaptest.NewLogger(t), Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, st.Names())
}

func TestNewStore_AcceptsCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	doc := `{
		// exposed to the web crawler fleet
		"web-only": {"mode": "simple-or", "tags": ["web"],},
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	st, err := NewStore(zaptest.NewLogger(t), Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, []string{"web-only"}, st.Names())
}

func TestStore_ServesPresetPinnedSessions(t *testing.T) {
	st, _, _ := newTestStore(t)
	require.NoError(t, st.Set("web-only", webOnly()))

	f := session.NewFilter(zaptest.NewLogger(t), st)
	rec := &session.Record{SessionID: "s1", TagFilterMode: session.FilterPreset, PresetName: "web-only"}

	assert.True(t, f.ServerVisible(rec, []string{"web", "search"}))
	assert.False(t, f.ServerVisible(rec, []string{"db"}))

	rec.PresetName = "missing"
	assert.True(t, f.ServerVisible(rec, []string{"db"}), "unknown preset leaves the session unfiltered")
}
