package server

import (
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/onemcp/onemcp-go/internal/session"
)

func newTestIDManager(t *testing.T) (*sessionIDManager, *session.Store) {
	t.Helper()
	store, err := session.NewStore(zaptest.NewLogger(t), session.Options{})
	require.NoError(t, err)
	t.Cleanup(store.Stop)
	return newSessionIDManager(store), store
}

func TestSessionIDManager_GenerateMintsUUIDs(t *testing.T) {
	m, _ := newTestIDManager(t)

	first := m.Generate()
	second := m.Generate()
	assert.NotEqual(t, first, second)
	_, err := uuid.Parse(first)
	assert.NoError(t, err)
}

func TestSessionIDManager_ValidateTracksStore(t *testing.T) {
	m, store := newTestIDManager(t)

	terminated, err := m.Validate("nobody-ever-registered-this")
	require.NoError(t, err)
	assert.True(t, terminated, "unknown ids report terminated so clients re-initialize")

	id := m.Generate()
	store.GetOrCreate(id)

	terminated, err = m.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)
}

func TestSessionIDManager_TerminateDeletesRecord(t *testing.T) {
	m, store := newTestIDManager(t)

	id := m.Generate()
	store.GetOrCreate(id)

	notAllowed, err := m.Terminate(id)
	require.NoError(t, err)
	assert.False(t, notAllowed)
	assert.Nil(t, store.Peek(id))

	terminated, err := m.Validate(id)
	require.NoError(t, err)
	assert.True(t, terminated)
}

func parseQuery(t *testing.T, raw string) *filterParams {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return parseFilterParams(zaptest.NewLogger(t), values)
}

func TestParseFilterParams_NothingRelevant(t *testing.T) {
	assert.Nil(t, parseQuery(t, ""))
	assert.Nil(t, parseQuery(t, "foo=bar&baz=1"))
	// An unparsable value on its own yields no filter at all.
	assert.Nil(t, parseQuery(t, "pagination=definitely"))
}

func TestParseFilterParams_Tags(t *testing.T) {
	params := parseQuery(t, "tags=docs,%20web,,auth%20")
	require.NotNil(t, params)
	assert.Equal(t, session.FilterSimpleOr, params.mode)
	assert.Equal(t, []string{"docs", "web", "auth"}, params.tags)
}

func TestParseFilterParams_TagFilterExpression(t *testing.T) {
	params := parseQuery(t, "tag-filter=docs+AND+NOT+internal")
	require.NotNil(t, params)
	assert.Equal(t, session.FilterAdvanced, params.mode)
	require.NotNil(t, params.expr)
	assert.True(t, params.expr.Eval(session.TagSet([]string{"docs"})))
	assert.False(t, params.expr.Eval(session.TagSet([]string{"docs", "internal"})))
}

func TestParseFilterParams_PresetWinsOverEverything(t *testing.T) {
	params := parseQuery(t, "preset=backend&tag-filter=docs&tags=web")
	require.NotNil(t, params)
	assert.Equal(t, session.FilterPreset, params.mode)
	assert.Equal(t, "backend", params.preset)
	assert.Empty(t, params.tags)
	assert.Nil(t, params.expr)
}

func TestParseFilterParams_BadExpressionFallsBackToTags(t *testing.T) {
	params := parseQuery(t, "tag-filter=(docs+OR&tags=docs")
	require.NotNil(t, params)
	assert.Equal(t, session.FilterSimpleOr, params.mode)
	assert.Equal(t, []string{"docs"}, params.tags)
}

func TestParseFilterParams_PaginationAndTemplate(t *testing.T) {
	params := parseQuery(t, "pagination=true&template=%7B%7B.Instructions%7D%7D")
	require.NotNil(t, params)
	assert.Empty(t, params.mode)
	require.NotNil(t, params.pagination)
	assert.True(t, *params.pagination)
	assert.Equal(t, "{{.Instructions}}", params.template)
}

func TestFilterParams_ApplySimpleOrClearsOtherModes(t *testing.T) {
	rec := &session.Record{
		TagFilterMode: session.FilterPreset,
		PresetName:    "backend",
	}

	params := parseQuery(t, "tags=docs")
	params.apply(rec)

	assert.Equal(t, session.FilterSimpleOr, rec.TagFilterMode)
	assert.Equal(t, []string{"docs"}, rec.Tags)
	assert.Empty(t, rec.PresetName)
}

func TestFilterParams_ApplyWithoutModePreservesPersistedFilter(t *testing.T) {
	rec := &session.Record{
		TagFilterMode: session.FilterSimpleOr,
		Tags:          []string{"docs"},
	}

	params := parseQuery(t, "pagination=true")
	params.apply(rec)

	assert.Equal(t, session.FilterSimpleOr, rec.TagFilterMode)
	assert.Equal(t, []string{"docs"}, rec.Tags)
	assert.True(t, rec.EnablePagination)
}

func TestFilterParams_ApplyAdvancedDropsPreset(t *testing.T) {
	rec := &session.Record{
		TagFilterMode: session.FilterPreset,
		PresetName:    "backend",
	}

	params := parseQuery(t, "tag-filter=docs+AND+prod")
	params.apply(rec)

	assert.Equal(t, session.FilterAdvanced, rec.TagFilterMode)
	require.NotNil(t, rec.TagExpression)
	assert.Empty(t, rec.PresetName)
}
