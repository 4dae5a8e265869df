package transport

import (
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
)

// ClientOption customizes client construction. The stdio observers are
// no-ops for http and sse specs.
type ClientOption func(*clientOptions)

type clientOptions struct {
	onProcess func(*exec.Cmd)
	onStdio   func(*mcptransport.Stdio)
}

// WithProcessObserver registers fn to receive the child process handle when
// a stdio transport launches its command.
func WithProcessObserver(fn func(*exec.Cmd)) ClientOption {
	return func(o *clientOptions) { o.onProcess = fn }
}

// WithStdioHandle registers fn to receive the raw stdio transport. Its
// stderr reader becomes available once the transport starts.
func WithStdioHandle(fn func(*mcptransport.Stdio)) ClientOption {
	return func(o *clientOptions) { o.onStdio = fn }
}

// NewClient builds the mcp-go client for a spec. Started transports cannot
// be restarted, so the connection manager calls this again for every
// attempt; each call produces a fresh transport and client.
func (f *Factory) NewClient(spec *Spec, opts ...ClientOption) (*client.Client, error) {
	var co clientOptions
	for _, opt := range opts {
		opt(&co)
	}

	var oauthCfg *client.OAuthConfig
	if spec.OAuthProvider != nil {
		cc := spec.OAuthProvider.ClientConfig()
		oauthCfg = &cc
	}

	switch spec.Kind {
	case config.KindStdio:
		return f.newStdioClient(spec, &co), nil
	case config.KindHTTP:
		return f.newHTTPClient(spec, oauthCfg)
	case config.KindSSE:
		return f.newSSEClient(spec, oauthCfg)
	default:
		return nil, apperr.TransportBuild(spec.Name, fmt.Errorf("unsupported transport kind %q", spec.Kind))
	}
}

func (f *Factory) newStdioClient(spec *Spec, co *clientOptions) *client.Client {
	stdio := mcptransport.NewStdioWithOptions(spec.Command, spec.Env, spec.Args,
		mcptransport.WithCommandFunc(newCommandFunc(spec.Cwd, co.onProcess)))
	if co.onStdio != nil {
		co.onStdio(stdio)
	}
	return client.NewClient(stdio)
}

func (f *Factory) newHTTPClient(spec *Spec, oauthCfg *client.OAuthConfig) (*client.Client, error) {
	if oauthCfg != nil {
		c, err := client.NewOAuthStreamableHttpClient(spec.URL, *oauthCfg)
		if err != nil {
			return nil, apperr.TransportBuild(spec.Name, fmt.Errorf("failed to create oauth http client: %w", err))
		}
		return c, nil
	}

	httpTransport, err := mcptransport.NewStreamableHTTP(spec.URL,
		mcptransport.WithHTTPHeaders(spec.Headers),
		mcptransport.WithHTTPTimeout(spec.RequestTimeout))
	if err != nil {
		return nil, apperr.TransportBuild(spec.Name, fmt.Errorf("failed to create http transport: %w", err))
	}
	return client.NewClient(httpTransport), nil
}

func (f *Factory) newSSEClient(spec *Spec, oauthCfg *client.OAuthConfig) (*client.Client, error) {
	if oauthCfg != nil {
		c, err := client.NewOAuthSSEClient(spec.URL, *oauthCfg)
		if err != nil {
			return nil, apperr.TransportBuild(spec.Name, fmt.Errorf("failed to create oauth sse client: %w", err))
		}
		return c, nil
	}

	// The event stream is long-lived, so tune the transport instead of
	// setting a whole-response timeout.
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 5,
		},
	}

	sse, err := client.NewSSEMCPClient(spec.URL,
		client.WithHTTPClient(httpClient),
		client.WithHeaders(spec.Headers))
	if err != nil {
		return nil, apperr.TransportBuild(spec.Name, fmt.Errorf("failed to create sse client: %w", err))
	}
	return sse, nil
}
