package server

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerDiagnostics adds the proxy's own tools. They are visible to every
// session regardless of its filter and are answered locally, never forwarded.
func (p *Proxy) registerDiagnostics() {
	getContext := mcp.NewTool("get_context",
		mcp.WithDescription("Return the proxy's application context snapshot (project, user, environment) as JSON."),
	)
	listServers := mcp.NewTool("list_servers",
		mcp.WithDescription("List the configured upstream servers with connection status, tags, and capability counts."),
	)

	p.localTools[getContext.Name] = getContext
	p.localTools[listServers.Name] = listServers

	p.mcp.AddTool(getContext, Wrap(p.logger, "tools/call:get_context", p.handleGetContext))
	p.mcp.AddTool(listServers, Wrap(p.logger, "tools/call:list_servers", p.handleListServers))
}

func (p *Proxy) handleGetContext(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := p.rt.ContextSnapshot()
	if snap == nil {
		return mcp.NewToolResultError("no context snapshot collected yet"), nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (p *Proxy) handleListServers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rows := p.rt.HealthRows(ctx)
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
