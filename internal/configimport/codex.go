package configimport

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
)

// codexDocument is the Codex CLI config shape: [mcp_servers.<name>] tables.
type codexDocument struct {
	MCPServers map[string]codexServer `toml:"mcp_servers"`
}

type codexServer struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Cwd     string            `toml:"cwd"`
	Env     map[string]string `toml:"env"`
	EnvVars []string          `toml:"env_vars"`

	URL               string            `toml:"url"`
	BearerToken       string            `toml:"bearer_token"`
	BearerTokenEnvVar string            `toml:"bearer_token_env_var"`
	HTTPHeaders       map[string]string `toml:"http_headers"`
	EnvHTTPHeaders    map[string]string `toml:"env_http_headers"`

	Enabled          *bool    `toml:"enabled"`
	EnabledTools     []string `toml:"enabled_tools"`
	DisabledTools    []string `toml:"disabled_tools"`
	StartupTimeoutS  int64    `toml:"startup_timeout_sec"`
	StartupTimeoutMS int64    `toml:"startup_timeout_ms"`
	ToolTimeoutS     int64    `toml:"tool_timeout_sec"`
}

// parseCodex converts a Codex-style TOML document into server configs.
// Bearer-token and env-sourced header fields become ${env:NAME} references
// in the headers map so the secret stays out of the written document and is
// resolved at load time instead.
func parseCodex(content []byte) (map[string]*config.ServerConfig, []string, error) {
	var doc codexDocument
	if _, err := toml.Decode(string(content), &doc); err != nil {
		return nil, nil, apperr.Parse(err, "invalid TOML")
	}
	if len(doc.MCPServers) == 0 {
		return nil, nil, apperr.New(apperr.KindParse, "document has no [mcp_servers.*] tables")
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
			Cwd:     src.Cwd,
			URL:     src.URL,
		}
		if len(src.Env) > 0 {
			cfg.Env = config.EnvMap(src.Env)
		}
		if len(src.EnvVars) > 0 {
			cfg.InheritParentEnv = true
			cfg.EnvFilter = append([]string(nil), src.EnvVars...)
		}

		headers := make(map[string]string, len(src.HTTPHeaders)+len(src.EnvHTTPHeaders)+1)
		for k, v := range src.HTTPHeaders {
			headers[k] = v
		}
		for header, envName := range src.EnvHTTPHeaders {
			headers[header] = fmt.Sprintf("${env:%s}", envName)
		}
		switch {
		case src.BearerTokenEnvVar != "":
			headers["Authorization"] = fmt.Sprintf("Bearer ${env:%s}", src.BearerTokenEnvVar)
		case src.BearerToken != "":
			headers["Authorization"] = "Bearer " + src.BearerToken
			warnings = append(warnings, fmt.Sprintf("server %q carries a literal bearer_token; consider moving it to an environment variable or the keyring", name))
		}
		if len(headers) > 0 {
			cfg.Headers = headers
		}

		if src.Enabled != nil && !*src.Enabled {
			cfg.Disabled = true
		}
		switch {
		case src.StartupTimeoutMS > 0:
			cfg.ConnectionTimeout = config.Millis(src.StartupTimeoutMS)
		case src.StartupTimeoutS > 0:
			cfg.ConnectionTimeout = config.Millis(src.StartupTimeoutS * 1000)
		}
		if src.ToolTimeoutS > 0 {
			cfg.RequestTimeout = config.Millis(src.ToolTimeoutS * 1000)
		}
		if len(src.EnabledTools) > 0 || len(src.DisabledTools) > 0 {
			warnings = append(warnings, fmt.Sprintf("server %q uses tool filtering (enabled_tools/disabled_tools), which is not imported; use tag filters on the client session instead", name))
		}

		servers[name] = cfg
	}

	return servers, warnings, nil
}
