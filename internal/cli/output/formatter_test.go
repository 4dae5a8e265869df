package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewFormatter(t *testing.T) {
	for _, name := range []string{"table", "", "json", "JSON", "yaml"} {
		f, err := NewFormatter(name)
		require.NoError(t, err, "format %q", name)
		require.NotNil(t, f)
	}

	_, err := NewFormatter("xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestResolveFormat(t *testing.T) {
	t.Setenv("ONEMCP_OUTPUT", "")
	assert.Equal(t, "table", ResolveFormat(""))
	assert.Equal(t, "json", ResolveFormat("json"))

	t.Setenv("ONEMCP_OUTPUT", "yaml")
	assert.Equal(t, "yaml", ResolveFormat(""))
	assert.Equal(t, "json", ResolveFormat("json"), "flag beats environment")
}

func TestJSONFormatter_Format(t *testing.T) {
	f := &JSONFormatter{Indent: true}

	got, err := f.Format(map[string]int{"tools": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools": 3}`, got)
	assert.Contains(t, got, "\n", "indented output spans lines")
}

func TestJSONFormatter_FormatTable(t *testing.T) {
	f := &JSONFormatter{}

	got, err := f.FormatTable([]string{"NAME", "STATE"}, [][]string{
		{"notes", "connected"},
		{"wiki"},
	})
	require.NoError(t, err)

	var decoded []map[string]string
	require.NoError(t, json.Unmarshal([]byte(got), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "connected", decoded[0]["STATE"])
	assert.Equal(t, "", decoded[1]["STATE"], "short rows pad out")
}

func TestYAMLFormatter_Format(t *testing.T) {
	f := &YAMLFormatter{}

	got, err := f.Format(struct {
		Name string `yaml:"name"`
	}{Name: "notes"})
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, yaml.Unmarshal([]byte(got), &decoded))
	assert.Equal(t, "notes", decoded["name"])
}

func TestTableFormatter_FormatTable(t *testing.T) {
	f := &TableFormatter{Plain: true}

	got, err := f.FormatTable([]string{"NAME", "STATE"}, [][]string{
		{"notes", "connected"},
		{"wiki", "error"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[0], "STATE")
	assert.Contains(t, lines[1], "notes")
	assert.Contains(t, lines[2], "error")
}

func TestTableFormatter_FormatTableEmpty(t *testing.T) {
	f := &TableFormatter{}

	got, err := f.FormatTable([]string{"NAME"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "no results\n", got)
}

func TestTableFormatter_FormatFallsBackToYAML(t *testing.T) {
	f := &TableFormatter{}

	got, err := f.Format(map[string]string{"listen": "127.0.0.1:3050"})
	require.NoError(t, err)
	assert.Contains(t, got, "listen: 127.0.0.1:3050")
}
