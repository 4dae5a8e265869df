package aggregate

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// ServerSnapshot is the complete capability surface one upstream server
// publishes: the item lists behind its advertised capabilities plus the
// logging and experimental flags from the handshake. Snapshots are what the
// aggregator merges, diffs, and persists to the state cache.
type ServerSnapshot struct {
	Server       string         `json:"server"`
	Tools        []mcp.Tool     `json:"tools,omitempty"`
	Resources    []mcp.Resource `json:"resources,omitempty"`
	Prompts      []mcp.Prompt   `json:"prompts,omitempty"`
	Logging      bool           `json:"logging,omitempty"`
	Experimental map[string]any `json:"experimental,omitempty"`
}

// Counts returns the number of tools, resources, and prompts in the snapshot.
func (s *ServerSnapshot) Counts() (tools, resources, prompts int) {
	return len(s.Tools), len(s.Resources), len(s.Prompts)
}

// Lister is the slice of the upstream client the snapshot fetcher relies on.
type Lister interface {
	Name() string
	Capabilities() mcp.ServerCapabilities
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
}

// FetchSnapshot reads the full capability surface of one connected upstream.
// Sub-lists the server does not advertise are skipped rather than queried, so
// a tools-only server yields a snapshot with empty resource and prompt lists.
// Any list failure aborts the fetch; the caller keeps whatever snapshot it
// already had.
func FetchSnapshot(ctx context.Context, src Lister) (*ServerSnapshot, error) {
	caps := src.Capabilities()
	snap := &ServerSnapshot{
		Server:       src.Name(),
		Logging:      caps.Logging != nil,
		Experimental: caps.Experimental,
	}

	if caps.Tools != nil {
		tools, err := src.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		snap.Tools = tools
	}
	if caps.Resources != nil {
		resources, err := src.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		snap.Resources = resources
	}
	if caps.Prompts != nil {
		prompts, err := src.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		snap.Prompts = prompts
	}
	return snap, nil
}
