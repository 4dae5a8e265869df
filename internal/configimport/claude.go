package configimport

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tailscale/hujson"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
)

// claudeDocument is the shared shape of Claude Desktop, Claude Code, and
// Cursor configuration files: a top-level "mcpServers" object.
type claudeDocument struct {
	MCPServers map[string]claudeServer `json:"mcpServers"`
}

type claudeServer struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// parseClaude converts a Claude-style JSON document into server configs.
// Comments and trailing commas are tolerated. Entries that define neither a
// command nor a URL are dropped with a warning rather than failing the whole
// import.
func parseClaude(content []byte) (map[string]*config.ServerConfig, []string, error) {
	standardized, err := hujson.Standardize(content)
	if err != nil {
		return nil, nil, apperr.Parse(err, "invalid JSON")
	}

	var doc claudeDocument
	if err := json.Unmarshal(standardized, &doc); err != nil {
		return nil, nil, apperr.Parse(err, "invalid mcpServers document")
	}
	if len(doc.MCPServers) == 0 {
		return nil, nil, apperr.New(apperr.KindParse, "document has no mcpServers entries")
	}

	servers := make(map[string]*config.ServerConfig, len(doc.MCPServers))
	var warnings []string

	names := make([]string, 0, len(doc.MCPServers))
	for name := range doc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := doc.MCPServers[name]
		if src.Command == "" && src.URL == "" {
			warnings = append(warnings, fmt.Sprintf("server %q has neither command nor url, skipped", name))
			continue
		}

		cfg := &config.ServerConfig{
			Command: src.Command,
			Args:    append([]string(nil), src.Args...),
			URL:     src.URL,
		}
		if len(src.Env) > 0 {
			cfg.Env = config.EnvMap(src.Env)
		}
		if len(src.Headers) > 0 {
			cfg.Headers = make(map[string]string, len(src.Headers))
			for k, v := range src.Headers {
				cfg.Headers[k] = v
			}
		}

		switch src.Type {
		case "", "stdio", "http", "sse":
			cfg.Kind = src.Type
		case "streamable-http", "streamable_http":
			cfg.Kind = config.KindHTTP
		default:
			warnings = append(warnings, fmt.Sprintf("server %q has unknown type %q, inferring from fields", name, src.Type))
		}

		servers[name] = cfg
	}

	return servers, warnings, nil
}
