package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/hash"
)

// TemplateContext supplies the data template servers render against.
// appcontext.Snapshot implements it; tests inject fakes.
type TemplateContext interface {
	// TemplateData returns the render data tree.
	TemplateData() map[string]interface{}

	// Hash returns a stable fingerprint of the context, used as the render
	// cache key.
	Hash() (string, error)
}

// RenderCache persists rendered template documents across loads. The bbolt
// state cache implements it.
type RenderCache interface {
	GetRender(key string) ([]byte, bool)
	PutRender(key string, rendered []byte) error
}

// renderCacheEntry is the cached value: the fingerprint of the raw template
// section plus the rendered server map. A fingerprint mismatch invalidates
// the entry even when the context hash matches.
type renderCacheEntry struct {
	TemplatesHash string          `json:"templatesHash"`
	Rendered      json.RawMessage `json:"rendered"`
}

// renderResult is the outcome of rendering the mcpTemplates section.
type renderResult struct {
	Servers  map[string]*ServerConfig
	Warnings []string
	cacheHit bool
}

// renderTemplates renders every template server's string fields against the
// context. rawTemplates is the substituted mcpTemplates subtree. failureMode
// strict aborts on the first per-server failure; graceful keeps the
// unrendered config and appends a warning.
func renderTemplates(rawTemplates map[string]interface{}, tmplCtx TemplateContext, cache RenderCache, settings *TemplateSettings) (*renderResult, error) {
	out := &renderResult{Servers: make(map[string]*ServerConfig, len(rawTemplates))}
	if len(rawTemplates) == 0 {
		return out, nil
	}

	failureMode := FailureModeGraceful
	cacheContext := false
	if settings != nil {
		if settings.FailureMode != "" {
			failureMode = settings.FailureMode
		}
		cacheContext = settings.CacheContext
	}

	templatesHash, err := hash.Canonical(rawTemplates)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRender, err, "fingerprinting template section")
	}

	var cacheKey string
	if cacheContext && cache != nil && tmplCtx != nil {
		contextHash, err := tmplCtx.Hash()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindRender, err, "hashing template context")
		}
		cacheKey = contextHash

		if cached, ok := cache.GetRender(cacheKey); ok {
			var entry renderCacheEntry
			if err := json.Unmarshal(cached, &entry); err == nil && entry.TemplatesHash == templatesHash {
				var servers map[string]*ServerConfig
				if err := json.Unmarshal(entry.Rendered, &servers); err == nil {
					out.Servers = servers
					out.cacheHit = true
					return out, nil
				}
			}
		}
	}

	var data map[string]interface{}
	if tmplCtx != nil {
		data = tmplCtx.TemplateData()
	}

	names := make([]string, 0, len(rawTemplates))
	for name := range rawTemplates {
		names = append(names, name)
	}
	sort.Strings(names)

	renderFailed := false
	for _, name := range names {
		subtree, ok := rawTemplates[name].(map[string]interface{})
		if !ok {
			return nil, apperr.Validation("mcpTemplates."+name, "server entry must be an object")
		}

		rendered, err := renderTree(name, subtree, data)
		if err == nil {
			var srv ServerConfig
			if uerr := remarshal(rendered, &srv); uerr != nil {
				err = fmt.Errorf("rendered config does not decode: %w", uerr)
			} else {
				out.Servers[name] = &srv
				continue
			}
		}

		if failureMode == FailureModeStrict {
			return nil, apperr.Render(name, err)
		}
		renderFailed = true
		out.Warnings = append(out.Warnings, fmt.Sprintf("template server %q failed to render, keeping unrendered config: %v", name, err))
		var srv ServerConfig
		if uerr := remarshal(subtree, &srv); uerr != nil {
			return nil, apperr.Validation("mcpTemplates."+name, uerr.Error())
		}
		out.Servers[name] = &srv
	}

	// Only clean renders are worth caching.
	if cacheKey != "" && !renderFailed {
		renderedJSON, err := json.Marshal(out.Servers)
		if err == nil {
			entryJSON, err := json.Marshal(renderCacheEntry{TemplatesHash: templatesHash, Rendered: renderedJSON})
			if err == nil {
				_ = cache.PutRender(cacheKey, entryJSON)
			}
		}
	}

	return out, nil
}

// renderTree walks a server subtree and renders every string containing a
// template action. Non-string values pass through.
func renderTree(tmplName string, value interface{}, data map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}
		return renderString(tmplName, v, data)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			rendered, err := renderTree(tmplName, child, data)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			rendered, err := renderTree(tmplName, child, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

func renderString(tmplName, s string, data map[string]interface{}) (string, error) {
	tmpl, err := template.New(tmplName).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(s)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// remarshal round-trips a raw tree into a typed value.
func remarshal(tree interface{}, target interface{}) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
