// Package config implements the server-document pipeline: parse, substitute,
// validate, render, plus the directory watcher and the proxy-level settings.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Server kinds.
const (
	KindStdio = "stdio"
	KindHTTP  = "http"
	KindSSE   = "sse"
)

// Template failure modes.
const (
	FailureModeStrict   = "strict"
	FailureModeGraceful = "graceful"
)

// Millis is a duration carried as integer milliseconds in JSON.
type Millis int64

// Duration converts to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// OrDefault returns the duration, or fallback when unset or non-positive.
func (m Millis) OrDefault(fallback time.Duration) time.Duration {
	if m <= 0 {
		return fallback
	}
	return m.Duration()
}

// EnvMap accepts either a JSON object of name→value pairs or a list of
// "NAME=value" strings.
type EnvMap map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (e *EnvMap) UnmarshalJSON(data []byte) error {
	var asMap map[string]string
	if err := json.Unmarshal(data, &asMap); err == nil {
		*e = asMap
		return nil
	}

	var asList []string
	if err := json.Unmarshal(data, &asList); err != nil {
		return fmt.Errorf("env must be an object or a list of NAME=value strings")
	}

	asMap = make(map[string]string, len(asList))
	for _, entry := range asList {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid env entry %q, expected NAME=value", entry)
		}
		asMap[name] = value
	}
	*e = asMap
	return nil
}

// Document is the parsed mcp.json server document.
type Document struct {
	Servers          map[string]*ServerConfig `json:"mcpServers,omitempty"`
	Templates        map[string]*ServerConfig `json:"mcpTemplates,omitempty"`
	TemplateSettings *TemplateSettings        `json:"templateSettings,omitempty"`
}

// TemplateSettings controls template-server rendering.
type TemplateSettings struct {
	CacheContext bool   `json:"cacheContext,omitempty"`
	FailureMode  string `json:"failureMode,omitempty"` // strict | graceful
}

// ServerConfig describes one downstream MCP server.
type ServerConfig struct {
	Kind string `json:"kind,omitempty"` // stdio | http | sse, inferred when empty

	// stdio
	Command          string   `json:"command,omitempty"`
	Args             []string `json:"args,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	Env              EnvMap   `json:"env,omitempty"`
	InheritParentEnv bool     `json:"inheritParentEnv,omitempty"`
	EnvFilter        []string `json:"envFilter,omitempty"`
	RestartOnExit    bool     `json:"restartOnExit,omitempty"`
	MaxRestarts      int      `json:"maxRestarts,omitempty"` // 0 = unlimited
	RestartDelay     Millis   `json:"restartDelay,omitempty"`

	// http / sse
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// common
	Tags              []string     `json:"tags,omitempty"`
	Disabled          bool         `json:"disabled,omitempty"`
	ConnectionTimeout Millis       `json:"connectionTimeout,omitempty"`
	RequestTimeout    Millis       `json:"requestTimeout,omitempty"`
	OAuth             *OAuthConfig `json:"oauth,omitempty"`

	// template-only metadata, nil for static servers
	Template *TemplateMeta `json:"template,omitempty"`
}

// OAuthConfig holds per-server OAuth client material.
type OAuthConfig struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	AutoRegister bool     `json:"autoRegister,omitempty"`
	RedirectURL  string   `json:"redirectUrl,omitempty"`
}

// TemplateMeta carries template-server instance policy.
type TemplateMeta struct {
	Shareable    bool   `json:"shareable,omitempty"`
	MaxInstances int    `json:"maxInstances,omitempty"`
	IdleTimeout  Millis `json:"idleTimeout,omitempty"`
	PerClient    bool   `json:"perClient,omitempty"`
}

// LoadResult is the loader's output: the final merged server map plus
// anything worth telling the operator.
type LoadResult struct {
	Servers  map[string]*ServerConfig
	Warnings []string
	Errors   []error
}

// EffectiveKind returns the configured kind, or infers it: a command means
// stdio; a URL whose path ends in /mcp means http; any other URL means sse.
func (s *ServerConfig) EffectiveKind() string {
	if s.Kind != "" {
		return s.Kind
	}
	if s.Command != "" {
		return KindStdio
	}
	if s.URL != "" {
		if parsed, err := url.Parse(s.URL); err == nil {
			if strings.HasSuffix(strings.TrimSuffix(parsed.Path, "/"), "/mcp") {
				return KindHTTP
			}
			return KindSSE
		}
		if strings.HasSuffix(strings.TrimSuffix(s.URL, "/"), "/mcp") {
			return KindHTTP
		}
		return KindSSE
	}
	return ""
}

// IsTemplate reports whether this config came from the mcpTemplates section.
func (s *ServerConfig) IsTemplate() bool {
	return s.Template != nil
}

// Clone returns a deep copy.
func (s *ServerConfig) Clone() *ServerConfig {
	if s == nil {
		return nil
	}
	out := *s
	out.Args = append([]string(nil), s.Args...)
	out.EnvFilter = append([]string(nil), s.EnvFilter...)
	out.Tags = append([]string(nil), s.Tags...)
	if s.Env != nil {
		out.Env = make(EnvMap, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	if s.OAuth != nil {
		oauth := *s.OAuth
		oauth.Scopes = append([]string(nil), s.OAuth.Scopes...)
		out.OAuth = &oauth
	}
	if s.Template != nil {
		meta := *s.Template
		out.Template = &meta
	}
	return &out
}

// HasTag reports whether the server carries the tag, case-insensitively.
func (s *ServerConfig) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
