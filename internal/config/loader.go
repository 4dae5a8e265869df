package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/secret"
)

// LoaderOptions configures the document pipeline.
type LoaderOptions struct {
	// EnvSubstitution enables ${NAME} expansion (step 3). Default on in
	// settings; the zero value here means off, so callers pass it through.
	EnvSubstitution bool

	// StrictEnv fails the load when a referenced environment variable is
	// unset instead of substituting an empty string.
	StrictEnv bool

	// Resolver handles ${env:NAME} and ${keyring:NAME} references. Nil means
	// any such reference fails validation.
	Resolver *secret.Resolver

	// Cache persists rendered template documents keyed by context hash.
	Cache RenderCache
}

// Loader runs the server-document pipeline: read, standardize, substitute,
// validate, render, merge.
type Loader struct {
	logger *zap.Logger
	opts   LoaderOptions
}

// NewLoader creates a loader.
func NewLoader(logger *zap.Logger, opts LoaderOptions) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger, opts: opts}
}

// Load runs the pipeline against a file on disk.
func (l *Loader) Load(ctx context.Context, path string, tmplCtx TemplateContext) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.IO(err, "reading config %s", path)
	}
	return l.LoadBytes(ctx, data, tmplCtx)
}

// LoadBytes runs the pipeline against raw document bytes, as handed over by
// the watcher. The result is deterministic for identical (input, environment,
// context) and treated as immutable downstream.
func (l *Loader) LoadBytes(ctx context.Context, data []byte, tmplCtx TemplateContext) (*LoadResult, error) {
	// Empty input is an empty document: zero servers, no error.
	if len(bytes.TrimSpace(data)) == 0 {
		return &LoadResult{Servers: map[string]*ServerConfig{}}, nil
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, apperr.Parse(err, "config is not valid JSON/JSON5")
	}

	var tree map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.UseNumber()
	if err := decoder.Decode(&tree); err != nil {
		return nil, apperr.Parse(err, "config document must be a JSON object")
	}

	if l.opts.EnvSubstitution {
		substituted, err := substituteTree(ctx, tree, "$", substituteOptions{
			strict:   l.opts.StrictEnv,
			resolver: l.opts.Resolver,
		})
		if err != nil {
			return nil, err
		}
		tree = substituted.(map[string]interface{})
	}

	substitutedJSON, err := json.Marshal(tree)
	if err != nil {
		return nil, apperr.Parse(err, "re-encoding substituted config")
	}

	violations := validateSchema(substitutedJSON)

	var doc Document
	if len(violations) == 0 {
		if err := json.Unmarshal(substitutedJSON, &doc); err != nil {
			return nil, apperr.Parse(err, "decoding config document")
		}
		violations = append(violations, validateServers("mcpServers", doc.Servers)...)
		violations = append(violations, validateServers("mcpTemplates", doc.Templates)...)
	}
	if len(violations) > 0 {
		return &LoadResult{Errors: violations}, errors.Join(violations...)
	}

	result := &LoadResult{Servers: make(map[string]*ServerConfig, len(doc.Servers))}

	rawTemplates, _ := tree["mcpTemplates"].(map[string]interface{})
	rendered, err := renderTemplates(rawTemplates, tmplCtx, l.opts.Cache, doc.TemplateSettings)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, rendered.Warnings...)
	if rendered.cacheHit {
		l.logger.Debug("template render cache hit", zap.Int("templates", len(rendered.Servers)))
	}

	for name, srv := range doc.Servers {
		result.Servers[name] = srv
	}
	for _, name := range sortedNames(rendered.Servers) {
		srv := rendered.Servers[name]
		if srv.Template == nil {
			srv.Template = &TemplateMeta{}
		}
		if _, exists := result.Servers[name]; exists {
			result.Warnings = append(result.Warnings, fmt.Sprintf("template server %q overrides static server with the same name, static dropped", name))
		}
		result.Servers[name] = srv
	}

	for _, name := range sortedNames(result.Servers) {
		if result.Servers[name].Disabled {
			result.Warnings = append(result.Warnings, fmt.Sprintf("server %q is disabled", name))
		}
	}

	l.logger.Debug("config loaded",
		zap.Int("servers", len(result.Servers)),
		zap.Int("warnings", len(result.Warnings)))

	return result, nil
}

func sortedNames(servers map[string]*ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
