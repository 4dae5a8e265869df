package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

// liveSession snapshots the current mcp client, failing when no session is
// established.
func (c *Client) liveSession() (*client.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closing || c.mcp == nil {
		return nil, apperr.ClientConnection(c.name, errors.New("not connected"))
	}
	return c.mcp, nil
}

// opCtx bounds one proxied request with the server's request timeout.
func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.spec.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.spec.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) requireCapability(capability string) error {
	c.mu.RLock()
	caps := c.caps
	c.mu.RUnlock()

	var supported bool
	switch capability {
	case "tools":
		supported = caps.Tools != nil
	case "resources":
		supported = caps.Resources != nil
	case "prompts":
		supported = caps.Prompts != nil
	case "logging":
		supported = caps.Logging != nil
	}
	if !supported {
		return apperr.Capability(c.name, capability)
	}
	return nil
}

// ListTools fetches the complete tool list, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := c.requireCapability("tools"); err != nil {
		return nil, err
	}
	sess, err := c.liveSession()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var tools []mcp.Tool
	req := mcp.ListToolsRequest{}
	for {
		res, err := sess.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("list tools from %s: %w", c.name, err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return tools, nil
}

// ListResources fetches the complete resource list, following pagination
// cursors.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if err := c.requireCapability("resources"); err != nil {
		return nil, err
	}
	sess, err := c.liveSession()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var resources []mcp.Resource
	req := mcp.ListResourcesRequest{}
	for {
		res, err := sess.ListResources(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("list resources from %s: %w", c.name, err)
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return resources, nil
}

// ListPrompts fetches the complete prompt list, following pagination
// cursors.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if err := c.requireCapability("prompts"); err != nil {
		return nil, err
	}
	sess, err := c.liveSession()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var prompts []mcp.Prompt
	req := mcp.ListPromptsRequest{}
	for {
		res, err := sess.ListPrompts(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("list prompts from %s: %w", c.name, err)
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return prompts, nil
}

// CallTool invokes a tool by its unprefixed name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := c.requireCapability("tools"); err != nil {
		return nil, err
	}
	sess, err := c.liveSession()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := sess.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s on %s: %w", name, c.name, err)
	}
	return res, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if err := c.requireCapability("resources"); err != nil {
		return nil, err
	}
	sess, err := c.liveSession()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri

	res, err := sess.ReadResource(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("read resource %s from %s: %w", uri, c.name, err)
	}
	return res, nil
}

// GetPrompt resolves a prompt by its unprefixed name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if err := c.requireCapability("prompts"); err != nil {
		return nil, err
	}
	sess, err := c.liveSession()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := sess.GetPrompt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get prompt %s from %s: %w", name, c.name, err)
	}
	return res, nil
}

// Ping checks session health.
func (c *Client) Ping(ctx context.Context) error {
	sess, err := c.liveSession()
	if err != nil {
		return err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := sess.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", c.name, err)
	}
	return nil
}

// CancelRequest forwards an inbound cancellation. Servers that do not
// recognize the request id ignore the notification, so broadcasting one
// cancellation to every upstream is safe.
func (c *Client) CancelRequest(ctx context.Context, requestID any, reason string) error {
	sess, err := c.liveSession()
	if err != nil {
		return err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	fields := map[string]any{"requestId": requestID}
	if reason != "" {
		fields["reason"] = reason
	}
	note := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: "notifications/cancelled",
			Params: mcp.NotificationParams{AdditionalFields: fields},
		},
	}

	if err := sess.GetTransport().SendNotification(ctx, note); err != nil {
		return fmt.Errorf("cancel request on %s: %w", c.name, err)
	}
	return nil
}

// SetLevel forwards a logging level change to servers that support it.
func (c *Client) SetLevel(ctx context.Context, level mcp.LoggingLevel) error {
	if err := c.requireCapability("logging"); err != nil {
		return err
	}
	sess, err := c.liveSession()
	if err != nil {
		return err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	req := mcp.SetLevelRequest{}
	req.Params.Level = level

	if err := sess.SetLevel(ctx, req); err != nil {
		return fmt.Errorf("set level on %s: %w", c.name, err)
	}
	return nil
}
