// Package configimport pulls MCP server definitions out of foreign client
// configuration files and merges them into the proxy's own document.
// Supported sources: Claude-style JSON (an "mcpServers" object, the format
// Claude Desktop, Claude Code, and Cursor share) and Codex-style TOML
// ("mcp_servers" tables).
package configimport

import "fmt"

// Format names a source configuration dialect.
type Format string

const (
	// FormatAuto asks the detector to pick the format from the content.
	FormatAuto Format = "auto"
	// FormatClaude is JSON with a top-level "mcpServers" object.
	FormatClaude Format = "claude"
	// FormatCodex is TOML with "mcp_servers" tables.
	FormatCodex Format = "codex"
)

// ParseFormat validates a user-supplied format flag.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatAuto, FormatClaude, FormatCodex:
		return Format(s), nil
	case "":
		return FormatAuto, nil
	default:
		return "", fmt.Errorf("unknown import format %q (valid: auto, claude, codex)", s)
	}
}

// Skipped is one server the merge left out, with the reason.
type Skipped struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Result summarizes one import run.
type Result struct {
	// Format is the dialect that was parsed, after auto-detection.
	Format Format `json:"format"`

	// Imported lists the server names added to the document, sorted.
	Imported []string `json:"imported"`

	// Skipped lists servers left out, typically because the document
	// already has an entry with that name.
	Skipped []Skipped `json:"skipped,omitempty"`

	// Warnings are non-fatal findings from parsing and mapping, such as
	// source fields with no equivalent here.
	Warnings []string `json:"warnings,omitempty"`

	// DryRun is true when the document was not written.
	DryRun bool `json:"dry_run,omitempty"`
}
