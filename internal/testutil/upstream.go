// Package testutil provides in-process MCP servers for exercising outbound
// connections against real transports instead of mocks.
package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"
)

// Upstream is a live in-process MCP server reachable over HTTP.
type Upstream struct {
	// Name is the identity the server reports during initialization.
	Name string
	// URL is the endpoint to connect a client to.
	URL string
	// MCP is the underlying server, for pushing notifications or adding
	// items mid-test.
	MCP *server.MCPServer

	requests atomic.Int64
}

// Requests reports how many HTTP requests the upstream has served.
func (u *Upstream) Requests() int64 { return u.requests.Load() }

type upstreamConfig struct {
	name         string
	version      string
	instructions string
	sse          bool
	middleware   func(http.Handler) http.Handler
	register     []func(*server.MCPServer)
}

// UpstreamOption customizes a test upstream.
type UpstreamOption func(*upstreamConfig)

// WithName overrides the server identity. Useful for provoking the
// circular-dependency guard.
func WithName(name string) UpstreamOption {
	return func(c *upstreamConfig) { c.name = name }
}

// WithVersion overrides the reported server version.
func WithVersion(version string) UpstreamOption {
	return func(c *upstreamConfig) { c.version = version }
}

// WithInstructions sets the instructions string reported on initialize.
func WithInstructions(text string) UpstreamOption {
	return func(c *upstreamConfig) { c.instructions = text }
}

// WithSSE serves the upstream over SSE instead of streamable HTTP.
func WithSSE() UpstreamOption {
	return func(c *upstreamConfig) { c.sse = true }
}

// WithMiddleware wraps the HTTP handler, e.g. to reject early requests.
func WithMiddleware(mw func(http.Handler) http.Handler) UpstreamOption {
	return func(c *upstreamConfig) { c.middleware = mw }
}

// WithEchoTool registers a tool that echoes its "input" argument back.
func WithEchoTool(name string) UpstreamOption {
	return func(c *upstreamConfig) {
		c.register = append(c.register, func(s *server.MCPServer) {
			s.AddTool(
				mcp.NewTool(name,
					mcp.WithDescription("Echoes the input back"),
					mcp.WithString("input", mcp.Required()),
				),
				func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					args, _ := req.Params.Arguments.(map[string]any)
					input, _ := args["input"].(string)
					return mcp.NewToolResultText(input), nil
				},
			)
		})
	}
}

// WithTool registers an arbitrary tool.
func WithTool(tool mcp.Tool, handler server.ToolHandlerFunc) UpstreamOption {
	return func(c *upstreamConfig) {
		c.register = append(c.register, func(s *server.MCPServer) {
			s.AddTool(tool, handler)
		})
	}
}

// WithStaticResource registers a text resource under uri.
func WithStaticResource(uri, name, text string) UpstreamOption {
	return func(c *upstreamConfig) {
		c.register = append(c.register, func(s *server.MCPServer) {
			s.AddResource(
				mcp.Resource{URI: uri, Name: name, MIMEType: "text/plain"},
				func(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
					return []mcp.ResourceContents{
						mcp.TextResourceContents{URI: uri, MIMEType: "text/plain", Text: text},
					}, nil
				},
			)
		})
	}
}

// WithPrompt registers a prompt that renders a single user message.
func WithPrompt(name, text string) UpstreamOption {
	return func(c *upstreamConfig) {
		c.register = append(c.register, func(s *server.MCPServer) {
			s.AddPrompt(
				mcp.NewPrompt(name, mcp.WithPromptDescription("test prompt")),
				func(_ context.Context, _ mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
					return &mcp.GetPromptResult{
						Messages: []mcp.PromptMessage{
							{Role: "user", Content: mcp.NewTextContent(text)},
						},
					}, nil
				},
			)
		})
	}
}

// StartUpstream runs an in-process MCP server on a loopback port and
// returns it. The server shuts down when the test ends.
func StartUpstream(t *testing.T, opts ...UpstreamOption) *Upstream {
	t.Helper()

	cfg := upstreamConfig{
		name:    "test-upstream",
		version: "1.0.0",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srvOpts := []server.ServerOption{
		server.WithToolCapabilities(true),
	}
	if cfg.instructions != "" {
		srvOpts = append(srvOpts, server.WithInstructions(cfg.instructions))
	}

	mcpSrv := server.NewMCPServer(cfg.name, cfg.version, srvOpts...)
	for _, register := range cfg.register {
		register(mcpSrv)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	baseURL := fmt.Sprintf("http://%s", listener.Addr().String())

	up := &Upstream{Name: cfg.name, MCP: mcpSrv}

	var handler http.Handler
	if cfg.sse {
		handler = server.NewSSEServer(mcpSrv,
			server.WithBaseURL(baseURL),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(30*time.Second),
		)
		up.URL = baseURL + "/sse"
	} else {
		mux := http.NewServeMux()
		mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
		handler = mux
		up.URL = baseURL + "/mcp"
	}

	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.requests.Add(1)
		handler.ServeHTTP(w, r)
	})

	var root http.Handler = counted
	if cfg.middleware != nil {
		root = cfg.middleware(counted)
	}

	httpSrv := &http.Server{Handler: root}
	go func() {
		// Serve returns ErrServerClosed after Shutdown; anything else
		// surfaces as connect failures in the test body.
		_ = httpSrv.Serve(listener)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	})

	return up
}

// FailFirst returns middleware that rejects the first n requests with 503,
// then passes everything through. Useful for exercising retry paths.
func FailFirst(n int64) func(http.Handler) http.Handler {
	var seen atomic.Int64
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if seen.Add(1) <= n {
				http.Error(w, "not yet", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
