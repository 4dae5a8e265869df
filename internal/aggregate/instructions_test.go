package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstructions_MergedSortsByServerName(t *testing.T) {
	agg := NewInstructions()
	agg.Set("zeta", "use the zeta tools sparingly")
	agg.Set("alpha", "alpha prefers short queries")

	merged := agg.Merged()
	require.Equal(t, "alpha prefers short queries\n\n---\n\nuse the zeta tools sparingly", merged)
}

func TestInstructions_SkipsEmptyContributions(t *testing.T) {
	agg := NewInstructions()
	agg.Set("quiet", "")
	agg.Set("verbose", "call me often")

	assert.Equal(t, "call me often", agg.Merged())

	text, ok := agg.Get("quiet")
	assert.True(t, ok)
	assert.Empty(t, text)
}

func TestInstructions_ClearRemovesContribution(t *testing.T) {
	agg := NewInstructions()
	agg.Set("a", "first")
	agg.Set("b", "second")

	agg.Clear("a")
	assert.Equal(t, "second", agg.Merged())

	_, ok := agg.Get("a")
	assert.False(t, ok)
}

func TestInstructions_SetOverwrites(t *testing.T) {
	agg := NewInstructions()
	agg.Set("a", "old guidance")
	agg.Set("a", "new guidance")

	assert.Equal(t, "new guidance", agg.Merged())
}

func TestInstructions_EmptyAggregatorMergesToEmptyString(t *testing.T) {
	agg := NewInstructions()
	assert.Empty(t, agg.Merged())
}
