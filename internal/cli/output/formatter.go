// Package output renders CLI command results as a table, JSON, or YAML.
// Formatters are stateless; commands pick one via ResolveFormat + NewFormatter
// and print the returned string themselves.
package output

import (
	"fmt"
	"os"
	"strings"
)

// Formatter renders structured command output.
type Formatter interface {
	// Format renders any marshal-friendly value (struct, map, slice).
	Format(data interface{}) (string, error)

	// FormatTable renders rows under headers.
	FormatTable(headers []string, rows [][]string) (string, error)
}

// NewFormatter returns the formatter for a format name (case-insensitive).
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{Indent: true}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	case "table", "":
		return &TableFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (valid: table, json, yaml)", format)
	}
}

// ResolveFormat picks the output format: explicit flag, then the
// ONEMCP_OUTPUT environment variable, then table.
func ResolveFormat(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("ONEMCP_OUTPUT"); env != "" {
		return env
	}
	return "table"
}
